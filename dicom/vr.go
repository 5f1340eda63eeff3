package dicom

import "fmt"

// VR is a DICOM Value Representation. It is a closed enum: every switch
// over VR in this package handles all members, so adding a representation
// is a compile-checked change.
type VR uint8

const (
	VRUN VR = iota // Unknown
	VRAE           // Application Entity
	VRAS           // Age String
	VRAT           // Attribute Tag
	VRCS           // Code String
	VRDA           // Date
	VRDS           // Decimal String
	VRDT           // Date Time
	VRFL           // Floating Point Single
	VRFD           // Floating Point Double
	VRIS           // Integer String
	VRLO           // Long String
	VRLT           // Long Text
	VROB           // Other Byte
	VROD           // Other Double
	VROF           // Other Float
	VROL           // Other Long
	VROV           // Other Very Long
	VROW           // Other Word
	VRPN           // Person Name
	VRSH           // Short String
	VRSL           // Signed Long
	VRSQ           // Sequence of Items
	VRSS           // Signed Short
	VRST           // Short Text
	VRSV           // Signed Very Long
	VRTM           // Time
	VRUC           // Unlimited Characters
	VRUI           // Unique Identifier
	VRUL           // Unsigned Long
	VRUR           // Universal Resource
	VRUS           // Unsigned Short
	VRUT           // Unlimited Text
	VRUV           // Unsigned Very Long
)

var vrNames = map[VR]string{
	VRAE: "AE", VRAS: "AS", VRAT: "AT", VRCS: "CS", VRDA: "DA",
	VRDS: "DS", VRDT: "DT", VRFL: "FL", VRFD: "FD", VRIS: "IS",
	VRLO: "LO", VRLT: "LT", VROB: "OB", VROD: "OD", VROF: "OF",
	VROL: "OL", VROV: "OV", VROW: "OW", VRPN: "PN", VRSH: "SH",
	VRSL: "SL", VRSQ: "SQ", VRSS: "SS", VRST: "ST", VRSV: "SV",
	VRTM: "TM", VRUC: "UC", VRUI: "UI", VRUL: "UL", VRUN: "UN",
	VRUR: "UR", VRUS: "US", VRUT: "UT", VRUV: "UV",
}

var vrByName = func() map[string]VR {
	m := make(map[string]VR, len(vrNames))
	for vr, name := range vrNames {
		m[name] = vr
	}
	return m
}()

// String returns the two-character VR code.
func (v VR) String() string {
	if name, ok := vrNames[v]; ok {
		return name
	}
	return fmt.Sprintf("VR(%d)", uint8(v))
}

// ParseVR maps a two-character code to its VR. Unrecognized codes map to
// VRUN with ok=false; the element is then preserved opaquely.
func ParseVR(code string) (VR, bool) {
	vr, ok := vrByName[code]
	if !ok {
		return VRUN, false
	}
	return vr, true
}

// LongHeader reports whether the VR uses the 12-byte explicit header
// (2 reserved bytes + 32-bit length) instead of a 16-bit length.
func (v VR) LongHeader() bool {
	switch v {
	case VROB, VROD, VROF, VROL, VROV, VROW, VRSQ, VRUC, VRUN, VRUR, VRUT, VRUV, VRSV:
		return true
	case VRAE, VRAS, VRAT, VRCS, VRDA, VRDS, VRDT, VRFL, VRFD, VRIS,
		VRLO, VRLT, VRPN, VRSH, VRSL, VRSS, VRST, VRTM, VRUI, VRUL, VRUS:
		return false
	}
	return true
}

// padByte returns the byte used to pad odd-length values to even length.
func (v VR) padByte() byte {
	switch v {
	case VRUI, VROB, VRUN, VRAT, VRSL, VRSS, VRUL, VRUS, VRFL, VRFD,
		VROD, VROF, VROL, VROV, VROW, VRSQ, VRSV, VRUV:
		return 0x00
	case VRAE, VRAS, VRCS, VRDA, VRDS, VRDT, VRIS, VRLO, VRLT, VRPN,
		VRSH, VRST, VRTM, VRUC, VRUR, VRUT:
		return 0x20
	}
	return 0x00
}

// isText reports whether values decode to Go strings.
func (v VR) isText() bool {
	switch v {
	case VRAE, VRAS, VRCS, VRDA, VRDS, VRDT, VRIS, VRLO, VRLT, VRPN,
		VRSH, VRST, VRTM, VRUC, VRUI, VRUR, VRUT:
		return true
	case VRAT, VRFL, VRFD, VROB, VROD, VROF, VROL, VROV, VROW, VRSL,
		VRSQ, VRSS, VRSV, VRUL, VRUN, VRUS, VRUV:
		return false
	}
	return false
}
