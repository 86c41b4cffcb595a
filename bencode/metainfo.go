// Package bencode wraps github.com/jackpal/bencode-go to decode a
// .torrent metainfo file into the plain Metainfo value the rest of this
// module consumes, deriving info_hash, piece_hashes, and total_length.
package bencode

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	bencode "github.com/jackpal/bencode-go"
)

const hashLen = 20

// Metainfo is the parsed, flattened form of a .torrent file's contents
// that the swarm engine needs: the info hash, the piece hash table, the
// nominal piece length, and the total length of the assembled output.
type Metainfo struct {
	Announce    string
	InfoHash    [hashLen]byte
	PieceHashes [][hashLen]byte
	PieceLength int
	TotalLength int
	Name        string
}

// topLevel decodes just enough of the metainfo to reach the info
// sub-dictionary. Info is kept as the generic map bencode-go produces
// for nested dictionaries, not a typed struct: re-marshaling that map
// reproduces exactly the keys the source file had (in sorted order,
// which is what bencode dictionaries require), so info_hash matches
// what a real peer computes even when fields this module doesn't care
// about (e.g. a multi-file "files" list) are present.
type topLevel struct {
	Announce string                 `bencode:"announce"`
	Info     map[string]interface{} `bencode:"info"`
}

// Parse reads and decodes a .torrent file at path.
func Parse(path string) (*Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bencode: open metainfo: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode decodes a .torrent metainfo from r.
func Decode(r io.Reader) (*Metainfo, error) {
	var raw topLevel
	if err := bencode.Unmarshal(r, &raw); err != nil {
		return nil, fmt.Errorf("bencode: decode metainfo: %w", err)
	}
	return fromRaw(&raw)
}

func fromRaw(raw *topLevel) (*Metainfo, error) {
	infoHash, err := hashInfo(raw.Info)
	if err != nil {
		return nil, err
	}

	pieces, ok := raw.Info["pieces"].(string)
	if !ok {
		return nil, fmt.Errorf("bencode: info.pieces missing or not a byte string")
	}
	pieceHashes, err := splitPieceHashes(pieces)
	if err != nil {
		return nil, err
	}

	pieceLength, err := intField(raw.Info, "piece length")
	if err != nil || pieceLength <= 0 {
		return nil, fmt.Errorf("bencode: invalid piece length")
	}

	total, err := totalLength(raw.Info)
	if err != nil {
		return nil, err
	}

	name, _ := raw.Info["name"].(string)

	return &Metainfo{
		Announce:    raw.Announce,
		InfoHash:    infoHash,
		PieceHashes: pieceHashes,
		PieceLength: pieceLength,
		TotalLength: total,
		Name:        name,
	}, nil
}

// intField reads an integer field out of a decoded bencode dictionary;
// bencode-go decodes bencoded integers into int64 when the destination
// is interface{}.
func intField(m map[string]interface{}, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("bencode: missing field %q", key)
	}
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("bencode: field %q is not an integer", key)
	}
}

func totalLength(info map[string]interface{}) (int, error) {
	if length, err := intField(info, "length"); err == nil {
		return length, nil
	}

	files, ok := info["files"].([]interface{})
	if !ok || len(files) == 0 {
		return 0, fmt.Errorf("bencode: info has neither length nor files")
	}
	total := 0
	for _, raw := range files {
		fm, ok := raw.(map[string]interface{})
		if !ok {
			return 0, fmt.Errorf("bencode: malformed files entry")
		}
		length, err := intField(fm, "length")
		if err != nil {
			return 0, err
		}
		total += length
	}
	if total <= 0 {
		return 0, fmt.Errorf("bencode: files sum to zero length")
	}
	return total, nil
}

// hashInfo computes the SHA-1 of the bencoded info sub-dictionary,
// re-encoding the decoded map rather than re-deriving it from a typed
// struct, so every key present in the source survives the round trip
// (see topLevel's doc comment).
func hashInfo(info map[string]interface{}) ([hashLen]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return [hashLen]byte{}, fmt.Errorf("bencode: re-encode info: %w", err)
	}
	return sha1.Sum(buf.Bytes()), nil
}

func splitPieceHashes(pieces string) ([][hashLen]byte, error) {
	buf := []byte(pieces)
	if len(buf)%hashLen != 0 {
		return nil, fmt.Errorf("bencode: malformed pieces length %d", len(buf))
	}
	numPieces := len(buf) / hashLen
	hashes := make([][hashLen]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], buf[i*hashLen:(i+1)*hashLen])
	}
	return hashes, nil
}

// NumPieces returns the number of pieces described by the metainfo.
func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLen returns the exact byte length of piece index i: PieceLength
// for every piece but the last, and the total-length remainder for the
// last piece.
func (m *Metainfo) PieceLen(index int) int {
	if index < 0 || index >= m.NumPieces() {
		return 0
	}
	if index < m.NumPieces()-1 {
		return m.PieceLength
	}
	return m.TotalLength - (m.NumPieces()-1)*m.PieceLength
}
