package normalize

// homoglyphTable maps a fixed set of commonly-confused codepoints to their
// ASCII analog. Not exhaustive — covers the Cyrillic/Greek lookalikes and
// fullwidth forms most frequently seen in obfuscated prompt injections.
var homoglyphTable = map[rune]rune{
	'а': 'a', // Cyrillic a
	'е': 'e', // Cyrillic e
	'о': 'o', // Cyrillic o
	'р': 'p', // Cyrillic er
	'с': 'c', // Cyrillic es
	'у': 'y', // Cyrillic u
	'х': 'x', // Cyrillic ha
	'і': 'i', // Cyrillic/Ukrainian i
	'ѕ': 's', // Cyrillic dze
	'ј': 'j', // Cyrillic je
	'ԁ': 'd', // Cyrillic komi de
	'Α': 'A', // Greek Alpha
	'Β': 'B', // Greek Beta
	'Ε': 'E', // Greek Epsilon
	'Ζ': 'Z', // Greek Zeta
	'Η': 'H', // Greek Eta
	'Ι': 'I', // Greek Iota
	'Κ': 'K', // Greek Kappa
	'Μ': 'M', // Greek Mu
	'Ν': 'N', // Greek Nu
	'Ο': 'O', // Greek Omicron
	'Ρ': 'P', // Greek Rho
	'Τ': 'T', // Greek Tau
	'Υ': 'Y', // Greek Upsilon
	'Χ': 'X', // Greek Chi
	'０': '0', // fullwidth digits
	'１': '1',
	'２': '2',
	'３': '3',
	'４': '4',
	'５': '5',
	'６': '6',
	'７': '7',
	'８': '8',
	'９': '9',
	'ａ': 'a', // fullwidth Latin
	'ｂ': 'b',
	'ｅ': 'e',
	'ｉ': 'i',
	'ｏ': 'o',
	'ｓ': 's',
	'ｕ': 'u',
}
