package factors

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
)

// OracleShareModule keeps a share in the key record itself, encrypted to
// the postbox key. Whoever passes the identity check against the oracle
// network can recover it, which is what makes a fresh device login work
// with one more factor.
type OracleShareModule struct{}

type oracleMaterial struct {
	Ciphertext string `json:"ciphertext"`
}

func NewOracleShareModule() *OracleShareModule { return &OracleShareModule{} }

func (m *OracleShareModule) Kind() interfaces.FactorKind { return interfaces.FactorOracle }

func (m *OracleShareModule) Produce(ctx context.Context, env *Env, share interfaces.Share, payload Payload) (*Enrollment, error) {
	if env.PostboxKey == nil {
		return nil, fmt.Errorf("%w: oracle share needs the postbox key", interfaces.ErrConfiguration)
	}
	plain, err := json.Marshal(share)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(plain)

	ct, err := cryptoutils.EncryptForPublicKey(&env.PostboxKey.PublicKey, plain)
	if err != nil {
		return nil, err
	}
	material, err := json.Marshal(oracleMaterial{Ciphertext: hex.EncodeToString(ct)})
	if err != nil {
		return nil, err
	}
	return &Enrollment{
		Description: describe(interfaces.FactorOracle, nil),
		Material:    material,
	}, nil
}

func (m *OracleShareModule) Describe(desc interfaces.ShareDescription) string {
	return "oracle network share"
}

func (m *OracleShareModule) Recover(ctx context.Context, env *Env, index *big.Int, desc interfaces.ShareDescription, material json.RawMessage, payload Payload) (interfaces.Share, error) {
	if env.PostboxKey == nil {
		return interfaces.Share{}, fmt.Errorf("%w: oracle share needs the postbox key", interfaces.ErrFactorNotFound)
	}
	var stored oracleMaterial
	if err := json.Unmarshal(material, &stored); err != nil {
		return interfaces.Share{}, fmt.Errorf("%w: oracle material is malformed", interfaces.ErrCorruptShare)
	}
	ct, err := hex.DecodeString(stored.Ciphertext)
	if err != nil {
		return interfaces.Share{}, fmt.Errorf("%w: oracle ciphertext is not hex", interfaces.ErrCorruptShare)
	}

	plain, err := cryptoutils.DecryptWithPrivateKey(env.PostboxKey, ct)
	if err != nil {
		return interfaces.Share{}, err
	}
	defer cryptoutils.WipeBytes(plain)

	var share interfaces.Share
	if err := json.Unmarshal(plain, &share); err != nil {
		return interfaces.Share{}, fmt.Errorf("%w: oracle share is malformed", interfaces.ErrCorruptShare)
	}
	if index != nil && share.Index.Cmp(index) != 0 {
		return interfaces.Share{}, fmt.Errorf("%w: oracle share is filed under a different index", interfaces.ErrCorruptShare)
	}
	return share, nil
}

func (m *OracleShareModule) Reissue(ctx context.Context, env *Env, old, next interfaces.Share, desc interfaces.ShareDescription, material json.RawMessage) (*Enrollment, error) {
	enrollment, err := m.Produce(ctx, env, next, OraclePayload{})
	if err != nil {
		return nil, err
	}
	enrollment.Description.Date = desc.Date
	return enrollment, nil
}
