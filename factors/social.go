package factors

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/hashicorp/vault/shamir"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/sharing"
)

// SocialModule splits a share's bytes across guardians, any threshold of
// whom can hand their parts back to rebuild it. The split runs over GF(256)
// and is independent of the key's own polynomial.
type SocialModule struct{}

func NewSocialModule() *SocialModule { return &SocialModule{} }

func (m *SocialModule) Kind() interfaces.FactorKind { return interfaces.FactorSocial }

func (m *SocialModule) Produce(ctx context.Context, env *Env, share interfaces.Share, payload Payload) (*Enrollment, error) {
	if err := checkPayload(interfaces.FactorSocial, payload); err != nil {
		return nil, err
	}
	p := payload.(SocialPayload)
	if p.Threshold < 2 || p.Guardians < p.Threshold || p.Guardians > 255 {
		return nil, fmt.Errorf("%w: invalid guardian split %d-of-%d", interfaces.ErrConfiguration, p.Threshold, p.Guardians)
	}

	secret, err := shareBytes(share)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(secret)

	parts, err := shamir.Split(secret, p.Guardians, p.Threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split share: %w", err)
	}
	export := make([]string, len(parts))
	for i, part := range parts {
		export[i] = hex.EncodeToString(part)
		cryptoutils.WipeBytes(part)
	}

	return &Enrollment{
		Description: describe(interfaces.FactorSocial, map[string]string{
			"guardians": strconv.Itoa(p.Guardians),
			"threshold": strconv.Itoa(p.Threshold),
		}),
		Export: export,
	}, nil
}

func (m *SocialModule) Describe(desc interfaces.ShareDescription) string {
	label := fmt.Sprintf("social recovery (%s of %s guardians)", desc.Data["threshold"], desc.Data["guardians"])
	if desc.Data[interfaces.DescriptionStale] == "true" {
		label += " (stale, export again)"
	}
	return label
}

func (m *SocialModule) Recover(ctx context.Context, env *Env, index *big.Int, desc interfaces.ShareDescription, material json.RawMessage, payload Payload) (interfaces.Share, error) {
	if err := checkPayload(interfaces.FactorSocial, payload); err != nil {
		return interfaces.Share{}, err
	}
	encoded := payload.(SocialPayload).Parts
	if len(encoded) < 2 {
		return interfaces.Share{}, fmt.Errorf("%w: at least two guardian parts are required", interfaces.ErrInsufficientShares)
	}

	parts := make([][]byte, len(encoded))
	for i, e := range encoded {
		part, err := hex.DecodeString(e)
		if err != nil {
			return interfaces.Share{}, fmt.Errorf("%w: guardian part %d is not hex", interfaces.ErrCorruptShare, i)
		}
		parts[i] = part
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return interfaces.Share{}, fmt.Errorf("%w: %v", interfaces.ErrCorruptShare, err)
	}
	defer cryptoutils.WipeBytes(secret)
	return parseShareBytes(secret)
}

func (m *SocialModule) Reissue(ctx context.Context, env *Env, old, next interfaces.Share, desc interfaces.ShareDescription, material json.RawMessage) (*Enrollment, error) {
	return &Enrollment{Description: staleDescription(desc)}, nil
}

func shareBytes(share interfaces.Share) ([]byte, error) {
	if !sharing.ValidIndex(share.Index) || share.Index.Cmp(big.NewInt(MaxMnemonicIndex)) > 0 {
		return nil, fmt.Errorf("share index %s cannot be split", share.Key())
	}
	out := make([]byte, mnemonicPayload)
	binary.BigEndian.PutUint16(out[:2], uint16(share.Index.Uint64()))
	share.Value.FillBytes(out[2:])
	return out, nil
}

func parseShareBytes(b []byte) (interfaces.Share, error) {
	if len(b) != mnemonicPayload {
		return interfaces.Share{}, fmt.Errorf("%w: unexpected share length %d", interfaces.ErrCorruptShare, len(b))
	}
	share := interfaces.Share{
		Index: new(big.Int).SetUint64(uint64(binary.BigEndian.Uint16(b[:2]))),
		Value: new(big.Int).SetBytes(b[2:]),
	}
	if !sharing.ValidIndex(share.Index) || !sharing.InField(share.Value) {
		return interfaces.Share{}, fmt.Errorf("%w: guardian parts do not combine to a valid share", interfaces.ErrInvalidShare)
	}
	return share, nil
}
