package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/AlecAivazis/survey/v2"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/threshold-key-manager/cmd/flags"
	"github.com/ruteri/threshold-key-manager/config"
	"github.com/ruteri/threshold-key-manager/factors"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/orchestrator"
)

var (
	envFileFlag = &cli.StringSliceFlag{
		Name:  "env-file",
		Value: cli.NewStringSlice(".env"),
		Usage: "dotenv files with KEYKIT_* settings, loaded when present",
	}
	verifierFlag = &cli.StringFlag{
		Name:     "verifier",
		Required: true,
		Usage:    "verifier the identity token was issued by",
	}
	verifierIDFlag = &cli.StringFlag{
		Name:     "verifier-id",
		Required: true,
		Usage:    "identity within the verifier, usually the token subject",
	}
	idTokenFlag = &cli.StringFlag{
		Name:     "id-token",
		Required: true,
		EnvVars:  []string{"KEYKIT_ID_TOKEN"},
		Usage:    "identity token presented to the oracle network",
	}
	existingFlag = &cli.BoolFlag{
		Name:  "existing",
		Usage: "fail instead of creating a key for a new identity",
	}
)

func main() {
	app := &cli.App{
		Name:  "keyctl",
		Usage: "Log in to a threshold key and manage its recovery factors",
		Flags: append([]cli.Flag{envFileFlag, verifierFlag, verifierIDFlag, idTokenFlag, existingFlag}, flags.LogFlags...),
		Commands: []*cli.Command{
			{
				Name:   "login",
				Usage:  "reconstruct the key and print its address",
				Action: withSession(showKey),
			},
			{
				Name:   "details",
				Usage:  "print the key's share descriptions",
				Action: withSession(showDetails),
			},
			{
				Name:   "add-password",
				Usage:  "enroll a security question and answer",
				Action: withSession(addPassword),
			},
			{
				Name:   "add-mnemonic",
				Usage:  "enroll a 24 word recovery phrase",
				Action: withSession(addMnemonic),
			},
			{
				Name:      "export",
				Usage:     "print the recovery material of an offline factor again",
				ArgsUsage: "<share index>",
				Action:    withIndex(exportFactor),
			},
			{
				Name:      "delete",
				Usage:     "remove a factor; every other share is reissued",
				ArgsUsage: "<share index>",
				Action:    withIndex(deleteFactor),
			},
			{
				Name:   "reset",
				Usage:  "discard the key and every factor; the next login creates a new key",
				Action: withSession(resetAccount),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type indexAction func(ctx context.Context, o *orchestrator.Orchestrator, sess *orchestrator.Session, index *big.Int) error

// withIndex parses the share index argument before logging in.
func withIndex(action indexAction) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		index, ok := new(big.Int).SetString(cCtx.Args().First(), 16)
		if !ok || index.Sign() <= 0 {
			return fmt.Errorf("expected a positive hex share index as shown by details, got %q", cCtx.Args().First())
		}
		return withSession(func(ctx context.Context, o *orchestrator.Orchestrator, sess *orchestrator.Session) error {
			return action(ctx, o, sess, index)
		})(cCtx)
	}
}

type sessionAction func(ctx context.Context, o *orchestrator.Orchestrator, sess *orchestrator.Session) error

// withSession logs in, asks for extra factors until the key is
// reconstructed, and logs out once action returns.
func withSession(action sessionAction) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		o, err := newOrchestrator(cCtx, logger)
		if err != nil {
			return err
		}

		sess, err := o.Login(ctx, orchestrator.LoginRequest{
			Identity: interfaces.VerifierParams{
				Verifier:   cCtx.String(verifierFlag.Name),
				VerifierID: cCtx.String(verifierIDFlag.Name),
			},
			Proof:          interfaces.IdentityProof{IDToken: cCtx.String(idTokenFlag.Name)},
			NeverCreateNew: cCtx.Bool(existingFlag.Name),
		})
		for orchestrator.IsCode(err, orchestrator.RequiresAdditionalFactor) {
			err = unlock(ctx, o, sess, err)
		}
		if err != nil {
			if sess != nil {
				o.Logout(sess.ID)
			}
			return err
		}
		defer o.Logout(sess.ID)

		if sess.Pending() {
			commit := false
			if err := survey.AskOne(&survey.Confirm{Message: "No key exists for this identity. Create one?"}, &commit); err != nil {
				return err
			}
			if !commit {
				return errors.New("key creation declined")
			}
			if err := o.CommitChanges(ctx, sess.ID); err != nil {
				return err
			}
		}
		return action(ctx, o, sess)
	}
}

func newOrchestrator(cCtx *cli.Context, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	cfg, err := config.Load(cCtx.StringSlice(envFileFlag.Name)...)
	if err != nil {
		return nil, err
	}
	keyOracle, err := cfg.KeyOracle(logger)
	if err != nil {
		return nil, err
	}
	devices, err := cfg.DeviceStorage()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(orchestrator.Config{
		Oracle:          keyOracle,
		Metadata:        cfg.MetadataTransport(logger),
		DeviceStorage:   devices,
		Fingerprint:     cfg.DeviceFingerprint(),
		PasskeyVerifier: cfg.PasskeyVerifier,
		KDF:             cfg.KDFParams(),
		Providers:       addressOnly{},
		Chain:           cfg.ChainConfig(),
		Log:             logger,
	})
}

// unlock prompts for one of the factors the key still needs.
func unlock(ctx context.Context, o *orchestrator.Orchestrator, sess *orchestrator.Session, needed error) error {
	var hostErr *orchestrator.HostError
	errors.As(needed, &hostErr)

	options := []string{}
	for _, kind := range hostErr.Available {
		if kind == interfaces.FactorPassword || kind == interfaces.FactorMnemonic {
			options = append(options, kind.String())
		}
	}
	if len(options) == 0 {
		return fmt.Errorf("this device cannot supply any of the remaining factors (%v)", needed)
	}

	fmt.Printf("%d more share(s) needed to unlock the key.\n", hostErr.RequiredShares)
	var choice string
	if err := survey.AskOne(&survey.Select{Message: "Which factor do you want to use?", Options: options}, &choice); err != nil {
		return err
	}

	var payload factors.Payload
	switch choice {
	case interfaces.FactorPassword.String():
		var answer string
		if err := survey.AskOne(&survey.Password{Message: "Answer:"}, &answer, survey.WithValidator(survey.Required)); err != nil {
			return err
		}
		payload = factors.PasswordPayload{Answer: answer}
	default:
		var phrase string
		if err := survey.AskOne(&survey.Multiline{Message: "Recovery phrase:"}, &phrase, survey.WithValidator(survey.Required)); err != nil {
			return err
		}
		payload = factors.MnemonicPayload{Phrase: phrase}
	}

	kind, err := interfaces.ParseFactorKind(choice)
	if err != nil {
		return err
	}
	err = o.InputFactor(ctx, sess.ID, kind, payload)
	if err != nil && !orchestrator.IsCode(err, orchestrator.RequiresAdditionalFactor) {
		fmt.Println("That did not unlock the key:", err)
		return needed
	}
	return err
}

func showKey(ctx context.Context, o *orchestrator.Orchestrator, sess *orchestrator.Session) error {
	handle := sess.Provider()
	if handle == nil {
		return errors.New("key is not reconstructed")
	}
	fmt.Printf("%s:%s %s\n", handle.Chain().Namespace, handle.Chain().ChainID, handle.Address())
	return nil
}

func showDetails(ctx context.Context, o *orchestrator.Orchestrator, sess *orchestrator.Session) error {
	details, err := o.GetKeyDetails(sess.ID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(details, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func addPassword(ctx context.Context, o *orchestrator.Orchestrator, sess *orchestrator.Session) error {
	answers := struct {
		Question string
		Answer   string
	}{}
	questions := []*survey.Question{
		{Name: "question", Prompt: &survey.Input{Message: "Security question:"}, Validate: survey.Required},
		{Name: "answer", Prompt: &survey.Password{Message: "Answer:"}, Validate: survey.MinLength(10)},
	}
	if err := survey.Ask(questions, &answers); err != nil {
		return err
	}
	if _, err := o.AddFactor(ctx, sess.ID, interfaces.FactorPassword, factors.PasswordPayload{Question: answers.Question, Answer: answers.Answer}); err != nil {
		return err
	}
	return o.CommitChanges(ctx, sess.ID)
}

func addMnemonic(ctx context.Context, o *orchestrator.Orchestrator, sess *orchestrator.Session) error {
	enrolled, err := o.AddFactor(ctx, sess.ID, interfaces.FactorMnemonic, factors.MnemonicPayload{})
	if err != nil {
		return err
	}
	fmt.Println("Write down this recovery phrase. It is shown once:")
	for _, line := range enrolled.Export {
		fmt.Println(" ", line)
	}
	saved := false
	if err := survey.AskOne(&survey.Confirm{Message: "Saved it?"}, &saved); err != nil {
		return err
	}
	if !saved {
		return errors.New("recovery phrase not saved, nothing committed")
	}
	return o.CommitChanges(ctx, sess.ID)
}

func exportFactor(ctx context.Context, o *orchestrator.Orchestrator, sess *orchestrator.Session, index *big.Int) error {
	lines, err := o.ExportFactor(ctx, sess.ID, index)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return o.CommitChanges(ctx, sess.ID)
}

func deleteFactor(ctx context.Context, o *orchestrator.Orchestrator, sess *orchestrator.Session, index *big.Int) error {
	if err := o.DeleteFactor(ctx, sess.ID, index); err != nil {
		return err
	}
	if err := o.CommitChanges(ctx, sess.ID); err != nil {
		return err
	}
	details, err := o.GetKeyDetails(sess.ID)
	if err != nil {
		return err
	}
	for idx, desc := range details.ShareDescriptions {
		if desc.Data[interfaces.DescriptionStale] != "" {
			fmt.Printf("Share %s (%s) must be exported again: keyctl export %s\n", idx, desc.Module, idx)
		}
	}
	return nil
}

func resetAccount(ctx context.Context, o *orchestrator.Orchestrator, sess *orchestrator.Session) error {
	confirm := false
	prompt := &survey.Confirm{Message: "This destroys the key and every recovery factor. Continue?"}
	if err := survey.AskOne(prompt, &confirm); err != nil {
		return err
	}
	if !confirm {
		return nil
	}
	return o.ResetAccount(ctx, sess.ID)
}
