package message

// Bitfield with each piece/index the sender has downloaded.
// if bit x is set -> piece index x is downloaded
// The high bit of the first byte is piece 0. Spare bits at the end are zero.
type Bitfield []byte

// NewBitfield allocates room for numPieces pieces
func NewBitfield(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

func (b Bitfield) HasPiece(pieceIndex int) bool {
	byteIndex := pieceIndex / 8
	bitIndex := 7 - pieceIndex%8
	if pieceIndex < 0 || byteIndex >= len(b) {
		return false
	}
	return b[byteIndex]&(1<<bitIndex) != 0
}

func (b Bitfield) SetPiece(pieceIndex int) {
	byteIndex := pieceIndex / 8
	bitIndex := 7 - pieceIndex%8
	if pieceIndex < 0 || byteIndex >= len(b) {
		return
	}
	b[byteIndex] |= 1 << bitIndex
}
