package factors

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/tyler-smith/go-bip39"

	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/sharing"
)

// A mnemonic encodes [2-byte index][32-byte value] followed by a 14-bit
// SHA-256 checksum: 286 bits, 26 words of the BIP-39 English list.
const (
	MnemonicWords     = 26
	MaxMnemonicIndex  = 0xffff
	mnemonicPayload   = 34
	mnemonicCheckBits = 14
	bitsPerWord       = 11
)

// EncodeMnemonic renders a share as a word sequence.
func EncodeMnemonic(share interfaces.Share) (string, error) {
	if share.Index == nil || share.Value == nil {
		return "", fmt.Errorf("%w: incomplete share", interfaces.ErrInvalidShare)
	}
	if !sharing.ValidIndex(share.Index) || share.Index.Cmp(big.NewInt(MaxMnemonicIndex)) > 0 {
		return "", fmt.Errorf("share index %s cannot be encoded as a mnemonic", share.Key())
	}
	if !sharing.InField(share.Value) {
		return "", fmt.Errorf("%w: share value out of range", interfaces.ErrInvalidShare)
	}

	payload := make([]byte, mnemonicPayload)
	binary.BigEndian.PutUint16(payload[:2], uint16(share.Index.Uint64()))
	share.Value.FillBytes(payload[2:])

	n := new(big.Int).SetBytes(payload)
	n.Lsh(n, mnemonicCheckBits)
	n.Or(n, big.NewInt(int64(checksum(payload))))

	wordList := bip39.GetWordList()
	mask := big.NewInt(1<<bitsPerWord - 1)
	words := make([]string, MnemonicWords)
	for i := MnemonicWords - 1; i >= 0; i-- {
		idx := new(big.Int).And(n, mask).Int64()
		words[i] = wordList[idx]
		n.Rsh(n, bitsPerWord)
	}
	return strings.Join(words, " "), nil
}

// DecodeMnemonic parses a phrase produced by EncodeMnemonic.
func DecodeMnemonic(phrase string) (interfaces.Share, error) {
	words := strings.Fields(strings.ToLower(phrase))
	if len(words) != MnemonicWords {
		return interfaces.Share{}, fmt.Errorf("%w: expected %d words, got %d", interfaces.ErrCorruptShare, MnemonicWords, len(words))
	}

	n := new(big.Int)
	for _, w := range words {
		idx, ok := bip39.GetWordIndex(w)
		if !ok {
			return interfaces.Share{}, fmt.Errorf("%w: unknown word %q", interfaces.ErrCorruptShare, w)
		}
		n.Lsh(n, bitsPerWord)
		n.Or(n, big.NewInt(int64(idx)))
	}

	sum := new(big.Int).And(n, big.NewInt(1<<mnemonicCheckBits-1)).Uint64()
	n.Rsh(n, mnemonicCheckBits)
	payload := n.FillBytes(make([]byte, mnemonicPayload))
	if uint64(checksum(payload)) != sum {
		return interfaces.Share{}, fmt.Errorf("%w: mnemonic checksum mismatch", interfaces.ErrCorruptShare)
	}

	share := interfaces.Share{
		Index: new(big.Int).SetUint64(uint64(binary.BigEndian.Uint16(payload[:2]))),
		Value: new(big.Int).SetBytes(payload[2:]),
	}
	if !sharing.ValidIndex(share.Index) || !sharing.InField(share.Value) {
		return interfaces.Share{}, fmt.Errorf("%w: mnemonic does not encode a valid share", interfaces.ErrInvalidShare)
	}
	return share, nil
}

func checksum(payload []byte) uint16 {
	h := sha256.Sum256(payload)
	return binary.BigEndian.Uint16(h[:2]) >> (16 - mnemonicCheckBits)
}

// MnemonicModule hands the share to the user as a phrase for offline
// storage. Nothing is stored remotely.
type MnemonicModule struct{}

func NewMnemonicModule() *MnemonicModule { return &MnemonicModule{} }

func (m *MnemonicModule) Kind() interfaces.FactorKind { return interfaces.FactorMnemonic }

func (m *MnemonicModule) Produce(ctx context.Context, env *Env, share interfaces.Share, payload Payload) (*Enrollment, error) {
	phrase, err := EncodeMnemonic(share)
	if err != nil {
		return nil, err
	}
	return &Enrollment{
		Description: describe(interfaces.FactorMnemonic, nil),
		Export:      []string{phrase},
	}, nil
}

func (m *MnemonicModule) Describe(desc interfaces.ShareDescription) string {
	if desc.Data[interfaces.DescriptionStale] == "true" {
		return "mnemonic (stale, export again)"
	}
	return "mnemonic"
}

// Recover decodes the phrase. The share carries its own index, so index
// may be nil.
func (m *MnemonicModule) Recover(ctx context.Context, env *Env, index *big.Int, desc interfaces.ShareDescription, material json.RawMessage, payload Payload) (interfaces.Share, error) {
	if err := checkPayload(interfaces.FactorMnemonic, payload); err != nil {
		return interfaces.Share{}, err
	}
	return DecodeMnemonic(payload.(MnemonicPayload).Phrase)
}

// Reissue cannot reach the user's paper copy; the description is marked
// stale until the share is exported again.
func (m *MnemonicModule) Reissue(ctx context.Context, env *Env, old, next interfaces.Share, desc interfaces.ShareDescription, material json.RawMessage) (*Enrollment, error) {
	return &Enrollment{Description: staleDescription(desc)}, nil
}
