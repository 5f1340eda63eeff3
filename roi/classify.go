package roi

// Hounsfield reference values per tissue. Classification boundaries sit
// at the midpoints between adjacent references.
var tissueReferences = []struct {
	Name string
	HU   float64
}{
	{"air", -1000},
	{"lung", -500},
	{"fat", -100},
	{"water", 0},
	{"blood", 40},
	{"muscle", 50},
	{"cancellous bone", 300},
	{"cortical bone", 1000},
}

// Classify names the tissue whose Hounsfield reference is nearest the
// mean. Only meaningful for CT; callers pass the modality so non-CT
// measurements report no classification instead of a bogus one.
func Classify(meanHU float64, modality string) string {
	if modality != "CT" {
		return ""
	}
	best := tissueReferences[0].Name
	for i := 1; i < len(tissueReferences); i++ {
		boundary := (tissueReferences[i-1].HU + tissueReferences[i].HU) / 2
		if meanHU >= boundary {
			best = tissueReferences[i].Name
		}
	}
	return best
}
