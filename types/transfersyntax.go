package types

// DICOM Transfer Syntax UIDs as defined in DICOM Part 5, Section 8 and Part 6, Annex A.4
// https://dicom.nema.org/medical/dicom/current/output/chtml/part05/chapter_8.html

// Uncompressed Transfer Syntaxes
const (
	// ImplicitVRLittleEndian - Default Transfer Syntax for DICOM
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"

	// ExplicitVRLittleEndian - Explicit VR with little endian byte ordering
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	// ExplicitVRBigEndian - retired, recognized but never negotiated
	ExplicitVRBigEndian = "1.2.840.10008.1.2.2"

	// DeflatedExplicitVRLittleEndian - zlib/deflate on top of explicit VR
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
)

// Compressed Transfer Syntaxes the core can recognize. Only JPEG Baseline
// pixel data is decodable; the rest are identified so that rejects carry a
// meaningful reason instead of a parse failure.
const (
	// JPEGBaseline8Bit - JPEG Baseline (Process 1), 8-bit samples
	JPEGBaseline8Bit = "1.2.840.10008.1.2.4.50"

	// JPEGExtended12Bit - JPEG Extended (Process 2 & 4)
	JPEGExtended12Bit = "1.2.840.10008.1.2.4.51"

	// JPEGLossless - JPEG Lossless (Process 14)
	JPEGLossless = "1.2.840.10008.1.2.4.57"

	// JPEGLosslessSV1 - JPEG Lossless (Process 14, Selection Value 1)
	JPEGLosslessSV1 = "1.2.840.10008.1.2.4.70"

	// JPEGLSLossless - JPEG-LS Lossless Image Compression
	JPEGLSLossless = "1.2.840.10008.1.2.4.80"

	// JPEG2000Lossless - JPEG 2000 (Lossless Only)
	JPEG2000Lossless = "1.2.840.10008.1.2.4.90"

	// JPEG2000 - JPEG 2000 (lossy or lossless)
	JPEG2000 = "1.2.840.10008.1.2.4.91"

	// RLELossless - RLE Lossless Compression
	RLELossless = "1.2.840.10008.1.2.5"
)

// negotiableTransferSyntaxes are the syntaxes the SCP accepts during
// presentation context negotiation.
var negotiableTransferSyntaxes = map[string]bool{
	ImplicitVRLittleEndian: true,
	ExplicitVRLittleEndian: true,
}

// encapsulatedTransferSyntaxes carry pixel data as undefined-length
// fragment sequences rather than native arrays.
var encapsulatedTransferSyntaxes = map[string]bool{
	JPEGBaseline8Bit:  true,
	JPEGExtended12Bit: true,
	JPEGLossless:      true,
	JPEGLosslessSV1:   true,
	JPEGLSLossless:    true,
	JPEG2000Lossless:  true,
	JPEG2000:          true,
	RLELossless:       true,
}

// IsNegotiableTransferSyntax reports whether the SCP accepts the syntax
// during association negotiation.
func IsNegotiableTransferSyntax(uid string) bool {
	return negotiableTransferSyntaxes[uid]
}

// IsExplicitVR reports whether datasets in the syntax carry explicit VR
// fields. All encapsulated syntaxes are explicit VR.
func IsExplicitVR(uid string) bool {
	return uid != ImplicitVRLittleEndian
}

// IsEncapsulated reports whether pixel data in the syntax is stored as an
// undefined-length fragment sequence.
func IsEncapsulated(uid string) bool {
	return encapsulatedTransferSyntaxes[uid]
}
