package config

// Scanner kinds. Each kind knows where its key column and data rows start.
const (
	VariantFort     = "fort"
	VariantUM       = "um"
	VariantSnipe    = "snipe"
	VariantKOS      = "kos"
	VariantCarrier  = "carrier"
	VariantRecruits = "recruits"
	VariantGal      = "gal"
	VariantTracker  = "tracker"
)

type VariantLayout struct {
	KeyColumn  string
	HeaderRows int
}

var variantLayouts = map[string]VariantLayout{
	VariantFort:     {KeyColumn: "A", HeaderRows: 10},
	VariantUM:       {KeyColumn: "A", HeaderRows: 13},
	VariantSnipe:    {KeyColumn: "A", HeaderRows: 13},
	VariantKOS:      {KeyColumn: "A", HeaderRows: 1},
	VariantCarrier:  {KeyColumn: "A", HeaderRows: 1},
	VariantRecruits: {KeyColumn: "A", HeaderRows: 2},
	VariantGal:      {KeyColumn: "A", HeaderRows: 1},
	VariantTracker:  {KeyColumn: "A", HeaderRows: 1},
}

func IsKnownVariant(variant string) bool {
	_, ok := variantLayouts[variant]
	return ok
}

func VariantDefaults(variant string) VariantLayout {
	if layout, ok := variantLayouts[variant]; ok {
		return layout
	}
	return VariantLayout{KeyColumn: "A", HeaderRows: 1}
}
