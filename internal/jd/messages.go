package jd

import "encoding/binary"

// Job Declaration message types, extension 0x0002.
const (
	MsgAllocToken   byte = 0x50
	MsgAllocTokenOk byte = 0x51
	MsgDeclJob      byte = 0x52
	MsgDeclJobOk    byte = 0x53
	MsgDeclJobErr   byte = 0x54
	MsgIdentifyTxs  byte = 0x55
	MsgProvideTxs   byte = 0x56
	MsgProvideTxsOk byte = 0x57
)

// DeclJobErr codes.
const (
	ErrCodeBadToken  byte = 0x01
	ErrCodeBadParams byte = 0x02
	ErrCodeStale     byte = 0x03
)

// ErrCodeName maps a DeclJobErr code to its display name.
func ErrCodeName(code byte) string {
	switch code {
	case ErrCodeBadToken:
		return "BadToken"
	case ErrCodeBadParams:
		return "BadParams"
	case ErrCodeStale:
		return "Stale"
	default:
		return "Unknown"
	}
}

// AllocToken requests a mining-job token from the pool.
type AllocToken struct {
	ReqID     uint32
	User      string
	MinNonce2 uint16
}

func (m AllocToken) Serialize() ([]byte, error) {
	if len(m.User) > 255 {
		return nil, newErr(Serialization, "user too long")
	}

	buf := make([]byte, 0, 4+1+len(m.User)+2)
	buf = appendU32(buf, m.ReqID)
	buf = append(buf, byte(len(m.User)))
	buf = append(buf, []byte(m.User)...)
	buf = appendU16(buf, m.MinNonce2)
	return buf, nil
}

func ParseAllocToken(data []byte) (AllocToken, error) {
	if len(data) < 5 {
		return AllocToken{}, newErr(Serialization, "AllocToken truncated")
	}
	reqID := readU32(data[0:4])
	userLen := int(data[4])
	if len(data) < 5+userLen+2 {
		return AllocToken{}, newErr(Serialization, "AllocToken truncated")
	}
	user := string(data[5 : 5+userLen])
	minNonce2 := readU16(data[5+userLen : 5+userLen+2])
	return AllocToken{ReqID: reqID, User: user, MinNonce2: minNonce2}, nil
}

// AllocTokenOk grants a token with limits. The trailing constraint list is
// optional and is not interpreted by this implementation; bytes beyond
// the fixed fields are ignored.
type AllocTokenOk struct {
	ReqID      uint32
	Token      []byte
	MaxCbExtra uint32
	AsyncOk    bool
}

func ParseAllocTokenOk(data []byte) (AllocTokenOk, error) {
	if len(data) < 5 {
		return AllocTokenOk{}, newErr(Serialization, "AllocTokenOk truncated")
	}
	reqID := readU32(data[0:4])
	tokenLen := int(data[4])
	if len(data) < 5+tokenLen+4+1 {
		return AllocTokenOk{}, newErr(Serialization, "AllocTokenOk truncated")
	}
	token := append([]byte(nil), data[5:5+tokenLen]...)
	off := 5 + tokenLen
	maxCbExtra := readU32(data[off : off+4])
	asyncOk := data[off+4] != 0
	return AllocTokenOk{ReqID: reqID, Token: token, MaxCbExtra: maxCbExtra, AsyncOk: asyncOk}, nil
}

// DeclJob declares a constructed job to the pool.
type DeclJob struct {
	ReqID      uint32
	Token      []byte
	Version    uint32
	CbPrefix   []byte
	CbSuffix   []byte
	HashNonce  uint64
	ShortHash  []uint64
	TxListHash [32]byte
	Extra      []byte
}

func (m DeclJob) Serialize() ([]byte, error) {
	if len(m.Token) > 255 {
		return nil, newErr(Serialization, "token too long")
	}

	size := 4 + 1 + len(m.Token) + 4 +
		2 + len(m.CbPrefix) + 2 + len(m.CbSuffix) +
		8 + 2 + 8*len(m.ShortHash) + 32 + 2 + len(m.Extra)
	buf := make([]byte, 0, size)

	buf = appendU32(buf, m.ReqID)
	buf = append(buf, byte(len(m.Token)))
	buf = append(buf, m.Token...)
	buf = appendU32(buf, m.Version)
	buf = appendU16(buf, uint16(len(m.CbPrefix)))
	buf = append(buf, m.CbPrefix...)
	buf = appendU16(buf, uint16(len(m.CbSuffix)))
	buf = append(buf, m.CbSuffix...)
	buf = appendU64(buf, m.HashNonce)
	buf = appendU16(buf, uint16(len(m.ShortHash)))
	for _, sh := range m.ShortHash {
		buf = appendU64(buf, sh)
	}
	buf = append(buf, m.TxListHash[:]...)
	buf = appendU16(buf, uint16(len(m.Extra)))
	buf = append(buf, m.Extra...)

	return buf, nil
}

func ParseDeclJob(data []byte) (DeclJob, error) {
	r := reader{data: data}
	reqID, err := r.u32()
	if err != nil {
		return DeclJob{}, err
	}
	tokenLen, err := r.u8()
	if err != nil {
		return DeclJob{}, err
	}
	token, err := r.bytes(int(tokenLen))
	if err != nil {
		return DeclJob{}, err
	}
	version, err := r.u32()
	if err != nil {
		return DeclJob{}, err
	}
	cbPrefixLen, err := r.u16()
	if err != nil {
		return DeclJob{}, err
	}
	cbPrefix, err := r.bytes(int(cbPrefixLen))
	if err != nil {
		return DeclJob{}, err
	}
	cbSuffixLen, err := r.u16()
	if err != nil {
		return DeclJob{}, err
	}
	cbSuffix, err := r.bytes(int(cbSuffixLen))
	if err != nil {
		return DeclJob{}, err
	}
	hashNonce, err := r.u64()
	if err != nil {
		return DeclJob{}, err
	}
	count, err := r.u16()
	if err != nil {
		return DeclJob{}, err
	}
	shorts := make([]uint64, count)
	for i := range shorts {
		shorts[i], err = r.u64()
		if err != nil {
			return DeclJob{}, err
		}
	}
	txListHashBytes, err := r.bytes(32)
	if err != nil {
		return DeclJob{}, err
	}
	extraLen, err := r.u16()
	if err != nil {
		return DeclJob{}, err
	}
	extra, err := r.bytes(int(extraLen))
	if err != nil {
		return DeclJob{}, err
	}

	var txListHash [32]byte
	copy(txListHash[:], txListHashBytes)

	return DeclJob{
		ReqID: reqID, Token: token, Version: version,
		CbPrefix: cbPrefix, CbSuffix: cbSuffix, HashNonce: hashNonce,
		ShortHash: shorts, TxListHash: txListHash, Extra: extra,
	}, nil
}

// DeclJobOk accepts a declaration and optionally refreshes the token.
//
// Mirrors a quirk in the source parser: new_token is only read when
// len(data) is strictly greater than 5+tlen, so a token whose length is
// exactly len(data)-5 is silently dropped. Preserved for bit-compatibility.
type DeclJobOk struct {
	ReqID    uint32
	NewToken []byte
}

func ParseDeclJobOk(data []byte) (DeclJobOk, error) {
	if len(data) < 5 {
		return DeclJobOk{}, newErr(Serialization, "DeclJobOk truncated")
	}
	reqID := readU32(data[0:4])
	tlen := int(data[4])

	var newToken []byte
	if len(data) > 5+tlen {
		newToken = append([]byte(nil), data[5:5+tlen]...)
	}

	return DeclJobOk{ReqID: reqID, NewToken: newToken}, nil
}

// DeclJobErr rejects a declaration with a code and detail string.
type DeclJobErr struct {
	ReqID   uint32
	Code    byte
	Details string
}

func ParseDeclJobErr(data []byte) (DeclJobErr, error) {
	if len(data) < 6 {
		return DeclJobErr{}, newErr(Serialization, "DeclJobErr truncated")
	}
	reqID := readU32(data[0:4])
	code := data[4]
	dlen := int(data[5])
	if len(data) < 6+dlen {
		return DeclJobErr{}, newErr(Serialization, "DeclJobErr truncated")
	}
	details := string(data[6 : 6+dlen])
	return DeclJobErr{ReqID: reqID, Code: code, Details: details}, nil
}

// IdentifyTxs lists transaction positions the pool does not already hold.
type IdentifyTxs struct {
	ReqID     uint32
	Positions []uint16
}

func ParseIdentifyTxs(data []byte) (IdentifyTxs, error) {
	r := reader{data: data}
	reqID, err := r.u32()
	if err != nil {
		return IdentifyTxs{}, err
	}
	count, err := r.u16()
	if err != nil {
		return IdentifyTxs{}, err
	}
	positions := make([]uint16, count)
	for i := range positions {
		positions[i], err = r.u16()
		if err != nil {
			return IdentifyTxs{}, err
		}
	}
	return IdentifyTxs{ReqID: reqID, Positions: positions}, nil
}

// ProvideTxs uploads raw transaction bytes for requested positions. Each
// transaction is prefixed with a 24-bit (3-byte) little-endian length,
// unlike every other length prefix inside a message payload.
type ProvideTxs struct {
	ReqID uint32
	Txs   [][]byte
}

func (m ProvideTxs) Serialize() ([]byte, error) {
	size := 4 + 2
	for _, tx := range m.Txs {
		size += 3 + len(tx)
	}
	buf := make([]byte, 0, size)
	buf = appendU32(buf, m.ReqID)
	buf = appendU16(buf, uint16(len(m.Txs)))
	for _, tx := range m.Txs {
		buf = appendU24(buf, uint32(len(tx)))
		buf = append(buf, tx...)
	}
	return buf, nil
}

func ParseProvideTxs(data []byte) (ProvideTxs, error) {
	r := reader{data: data}
	reqID, err := r.u32()
	if err != nil {
		return ProvideTxs{}, err
	}
	count, err := r.u16()
	if err != nil {
		return ProvideTxs{}, err
	}
	txs := make([][]byte, count)
	for i := range txs {
		txLen, err := r.u24()
		if err != nil {
			return ProvideTxs{}, err
		}
		txs[i], err = r.bytes(int(txLen))
		if err != nil {
			return ProvideTxs{}, err
		}
	}
	return ProvideTxs{ReqID: reqID, Txs: txs}, nil
}

// ProvideTxsOk acknowledges a ProvideTxs upload.
type ProvideTxsOk struct {
	ReqID uint32
}

func ParseProvideTxsOk(data []byte) (ProvideTxsOk, error) {
	if len(data) < 4 {
		return ProvideTxsOk{}, newErr(Serialization, "ProvideTxsOk truncated")
	}
	return ProvideTxsOk{ReqID: readU32(data[0:4])}, nil
}

// --- shared binary helpers ---

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU24(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16))
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func readU16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func readU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// reader sequentially consumes length-prefixed fields from a message
// payload, failing with Serialization on underflow.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) need(n int) error {
	if len(r.data)-r.pos < n {
		return newErr(Serialization, "message truncated")
	}
	return nil
}

func (r *reader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u24() (uint32, error) {
	if err := r.need(3); err != nil {
		return 0, err
	}
	v := uint32(r.data[r.pos]) | uint32(r.data[r.pos+1])<<8 | uint32(r.data[r.pos+2])<<16
	r.pos += 3
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := append([]byte(nil), r.data[r.pos:r.pos+n]...)
	r.pos += n
	return v, nil
}
