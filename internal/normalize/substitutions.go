package normalize

// DefaultSubstitutions corrects curated names known to be malformed. Each
// key is matched against the whole raw text before canonicalization.
var DefaultSubstitutions = map[string]string{
	"E746_T751>I":            "E746_T751delinsI",
	"EML4-ALK C1156Y-L1196M": "EML4-ALK and C1156Y and L1196M",
	"EML4-ALK C1156Y-L1198F": "EML4-ALK and C1156Y and L1198F",
	"EML4-ALK G1202R-L1196M": "EML4-ALK and G1202R and L1196M",
	"EML4-ALK G1202R-L1198F": "EML4-ALK and G1202R and L1198F",
	"EML4-ALK L1196M-L1198F": "EML4-ALK and L1196M and L1198F",
	"EML4-ALK T1151INST":     "EML4-ALK and T1151_?1152insT",
	"Ex19 del L858R":         "e.19del and L858R",
	"G12/G13":                "p.(G12_G13)mut",
	"K558NP":                 "K558delKinsNP",
	"T1151insT":              "T1151_?1152insT",
	"V600E AMPLIFICATION":    "V600E and AMPLIFICATION",
	"V600E+V600M":            "V600E and V600M",
	"V600_K601>E":            "V600_K601delVKinsE",
	"del 755-759":            "?755_?759del",
	"di842-843vm":            "D842_I843delDIinsVM",
	"mutations":              "mutation",
	"p26.3-25.3 11mb del":    "y.p26.3_p25.3del",

	"p.193_196dupSTSC (c.577_588dupAGCACCAGCTGC)": "p.S193_C196dupSTSC (c.577_588dupAGCACCAGCTGC)",
}
