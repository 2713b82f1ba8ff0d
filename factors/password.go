package factors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/sharing"
)

// DefaultQuestion is used when the host does not supply one.
const DefaultQuestion = "what is your password?"

// PasswordModule binds a share to a security question answer. The record
// stores only share - KDF(answer); a candidate answer is checked locally
// against the key's commitments, so the server never learns whether a
// guess was right.
type PasswordModule struct {
	params cryptoutils.KDFParams
}

type passwordMaterial struct {
	Question string `json:"question"`
	Offset   string `json:"offset"`
}

func NewPasswordModule(params cryptoutils.KDFParams) *PasswordModule {
	return &PasswordModule{params: params}
}

func (m *PasswordModule) Kind() interfaces.FactorKind { return interfaces.FactorPassword }

func (m *PasswordModule) derive(env *Env, question, answer string) *big.Int {
	return cryptoutils.DeriveScalar([]byte(answer), cryptoutils.PasswordSalt(string(env.PublicID), question), m.params)
}

func (m *PasswordModule) Produce(ctx context.Context, env *Env, share interfaces.Share, payload Payload) (*Enrollment, error) {
	if err := checkPayload(interfaces.FactorPassword, payload); err != nil {
		return nil, err
	}
	p := payload.(PasswordPayload)
	if p.Answer == "" {
		return nil, fmt.Errorf("%w: empty password", interfaces.ErrConfiguration)
	}
	question := p.Question
	if question == "" {
		question = DefaultQuestion
	}

	derived := m.derive(env, question, p.Answer)
	defer sharing.Wipe(derived)

	return m.enroll(question, sharing.SubMod(share.Value, derived))
}

func (m *PasswordModule) enroll(question string, offset *big.Int) (*Enrollment, error) {
	material, err := json.Marshal(passwordMaterial{Question: question, Offset: interfaces.ScalarHex(offset)})
	if err != nil {
		return nil, err
	}
	return &Enrollment{
		Description: describe(interfaces.FactorPassword, map[string]string{interfaces.DescriptionQuestion: question}),
		Material:    material,
	}, nil
}

func (m *PasswordModule) Describe(desc interfaces.ShareDescription) string {
	return fmt.Sprintf("password (%q)", desc.Data[interfaces.DescriptionQuestion])
}

// Recover reproduces the share from the answer. A wrong answer yields
// ErrWrongPassword and no share.
func (m *PasswordModule) Recover(ctx context.Context, env *Env, index *big.Int, desc interfaces.ShareDescription, material json.RawMessage, payload Payload) (interfaces.Share, error) {
	if err := checkPayload(interfaces.FactorPassword, payload); err != nil {
		return interfaces.Share{}, err
	}
	stored, offset, err := parsePasswordMaterial(material)
	if err != nil {
		return interfaces.Share{}, err
	}

	derived := m.derive(env, stored.Question, payload.(PasswordPayload).Answer)
	defer sharing.Wipe(derived)

	candidate := interfaces.Share{Index: new(big.Int).Set(index), Value: sharing.AddMod(offset, derived)}
	if err := env.Commitments.Verify(candidate); err != nil {
		sharing.Wipe(candidate.Value)
		if errors.Is(err, interfaces.ErrInvalidShare) {
			return interfaces.Share{}, interfaces.ErrWrongPassword
		}
		return interfaces.Share{}, err
	}
	return candidate, nil
}

// Reissue shifts the stored offset so the same answer reproduces next.
func (m *PasswordModule) Reissue(ctx context.Context, env *Env, old, next interfaces.Share, desc interfaces.ShareDescription, material json.RawMessage) (*Enrollment, error) {
	stored, offset, err := parsePasswordMaterial(material)
	if err != nil {
		return nil, err
	}
	derived := sharing.SubMod(old.Value, offset)
	defer sharing.Wipe(derived)

	enrollment, err := m.enroll(stored.Question, sharing.SubMod(next.Value, derived))
	if err != nil {
		return nil, err
	}
	enrollment.Description.Date = desc.Date
	return enrollment, nil
}

func parsePasswordMaterial(material json.RawMessage) (*passwordMaterial, *big.Int, error) {
	var stored passwordMaterial
	if err := json.Unmarshal(material, &stored); err != nil {
		return nil, nil, fmt.Errorf("%w: password material is malformed", interfaces.ErrCorruptShare)
	}
	offset, err := interfaces.ParseScalar(stored.Offset)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: password offset: %v", interfaces.ErrCorruptShare, err)
	}
	return &stored, offset, nil
}
