package cli

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	kmssdk "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/spf13/cobra"

	"github.com/sealpdf/sealpdf/config"
	"github.com/sealpdf/sealpdf/keys"
	"github.com/sealpdf/sealpdf/sign/certgen"
	"github.com/sealpdf/sealpdf/sign/kms"
	"github.com/sealpdf/sealpdf/sign/kms/awskms"
	"github.com/sealpdf/sealpdf/sign/kms/hsm"
	"github.com/sealpdf/sealpdf/sign/pipeline"
)

func newSignCommand(app *appContext) *cobra.Command {
	var (
		inFile      string
		outFile     string
		keyID       string
		name        string
		email       string
		location    string
		reason      string
		contactInfo string
		algorithm   string
		reserve     int
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a PDF document",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := app.cfg

			pdf, err := os.ReadFile(inFile)
			if err != nil {
				return fmt.Errorf("reading input PDF: %w", err)
			}

			service, resolvedKeyID, closeFn, err := buildService(ctx, cfg)
			if err != nil {
				return err
			}
			if closeFn != nil {
				defer closeFn()
			}
			if keyID != "" {
				resolvedKeyID = keyID
			}

			if algorithm == "" {
				algorithm = cfg.Signing.Algorithm
			}
			if reserve == 0 {
				reserve = cfg.Signing.ReservedBytes
			}

			p, err := pipeline.New(pipeline.Options{
				Service:       service,
				Algorithm:     kms.Algorithm(algorithm),
				BytesReserved: reserve,
				ValidityDays:  cfg.Signing.ValidityDays,
				Logger:        app.logger,
			})
			if err != nil {
				return err
			}

			signer := pipeline.SignerInfo{
				Name:        firstNonEmpty(name, cfg.Signing.Name),
				Email:       email,
				Location:    firstNonEmpty(location, cfg.Signing.Location),
				Reason:      firstNonEmpty(reason, cfg.Signing.Reason),
				ContactInfo: firstNonEmpty(contactInfo, cfg.Signing.ContactInfo),
			}

			result, err := p.Sign(ctx, pdf, signer, resolvedKeyID)
			if err != nil {
				return err
			}

			if err := os.WriteFile(outFile, result.Pdf, 0o644); err != nil {
				return fmt.Errorf("writing signed PDF: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "signed %s -> %s (operation %s, byte range %s)\n",
				inFile, outFile, result.OperationID, result.ByteRange.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&inFile, "in", "i", "", "input PDF file")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output signed PDF file")
	cmd.Flags().StringVar(&keyID, "key-id", "", "key identifier at the configured provider")
	cmd.Flags().StringVar(&name, "name", "", "signer name placed in /Name")
	cmd.Flags().StringVar(&email, "email", "", "signer email")
	cmd.Flags().StringVar(&location, "location", "", "signing location")
	cmd.Flags().StringVar(&reason, "reason", "", "signing reason")
	cmd.Flags().StringVar(&contactInfo, "contact-info", "", "signer contact information")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "signing algorithm, e.g. rsa-sha256")
	cmd.Flags().IntVar(&reserve, "reserve", 0, "placeholder capacity in bytes")
	cmd.MarkFlagRequired("in")
	cmd.MarkFlagRequired("out")

	return cmd
}

func newSelfSignCertCommand(app *appContext) *cobra.Command {
	var (
		keyFile      string
		passphrase   string
		outFile      string
		commonName   string
		organization string
		country      string
		email        string
		days         int
	)

	cmd := &cobra.Command{
		Use:   "selfsign-cert",
		Short: "Generate a self-signed certificate for a signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			var pass []byte
			if passphrase != "" {
				pass = []byte(passphrase)
			}
			key, err := keys.LoadPrivateKey(keyFile, pass)
			if err != nil {
				return err
			}

			cert, err := certgen.New().Generate(certgen.Params{
				Subject: certgen.Subject{
					CommonName:   commonName,
					Organization: organization,
					Country:      country,
					Email:        email,
				},
				ValidityDays: days,
				Key:          key,
			})
			if err != nil {
				return err
			}

			if err := os.WriteFile(outFile, []byte(cert.PEM()), 0o644); err != nil {
				return fmt.Errorf("writing certificate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (serial %s, valid until %s)\n",
				outFile, cert.Certificate.SerialNumber, cert.Certificate.NotAfter.Format("2006-01-02"))
			return nil
		},
	}

	cmd.Flags().StringVar(&keyFile, "key", "", "private key file (PEM or DER)")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "key passphrase")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output certificate PEM file")
	cmd.Flags().StringVar(&commonName, "cn", "", "subject common name")
	cmd.Flags().StringVar(&organization, "org", "", "subject organization")
	cmd.Flags().StringVar(&country, "country", "", "subject country")
	cmd.Flags().StringVar(&email, "email", "", "subject email")
	cmd.Flags().IntVar(&days, "days", certgen.DefaultValidityDays, "validity period in days")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("out")
	cmd.MarkFlagRequired("cn")
	cmd.MarkFlagRequired("org")

	return cmd
}

// buildService constructs the key-management boundary selected by the keys
// configuration. The returned close function, when non-nil, releases
// provider resources.
func buildService(ctx context.Context, cfg *config.Config) (kms.Service, string, func() error, error) {
	switch cfg.Keys.Provider {
	case "", config.ProviderPemDer:
		pd := cfg.Keys.PemDer
		if pd.CertFile != "" {
			key, chain, err := keys.LoadCredential(pd.CertFile, pd.KeyFile, pd.PassphraseBytes())
			if err != nil {
				return nil, "", nil, err
			}
			return kms.NewLocal("local", key, chain), "local", nil, nil
		}
		key, err := keys.LoadPrivateKey(pd.KeyFile, pd.PassphraseBytes())
		if err != nil {
			return nil, "", nil, err
		}
		return kms.NewLocal("local", key, nil), "local", nil, nil

	case config.ProviderPKCS12:
		key, chain, err := keys.LoadPKCS12(cfg.Keys.PKCS12.File, cfg.Keys.PKCS12.Passphrase)
		if err != nil {
			return nil, "", nil, err
		}
		return kms.NewLocal("local", key, chain), "local", nil, nil

	case config.ProviderAWSKMS:
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Keys.AWSKMS.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Keys.AWSKMS.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, "", nil, fmt.Errorf("loading AWS configuration: %w", err)
		}
		service := kms.Service(awskms.New(kmssdk.NewFromConfig(awsCfg)))
		if cfg.Keys.AWSKMS.CertFile != "" {
			chain, err := keys.LoadCertificates(cfg.Keys.AWSKMS.CertFile)
			if err != nil {
				return nil, "", nil, err
			}
			service = &chainOverride{Service: service, chain: chain}
		}
		return service, cfg.Keys.AWSKMS.KeyID, nil, nil

	case config.ProviderPKCS11:
		p := cfg.Keys.PKCS11
		service, err := hsm.Open(hsm.Config{
			ModulePath: p.ModulePath,
			TokenLabel: p.TokenLabel,
			PIN:        p.PIN,
			KeyLabel:   p.KeyLabel,
			CertLabel:  p.CertLabel,
		})
		if err != nil {
			return nil, "", nil, err
		}
		return service, p.KeyLabel, service.Close, nil

	default:
		return nil, "", nil, config.NewConfigError("keys.provider", fmt.Sprintf("unknown provider %q", cfg.Keys.Provider))
	}
}

// chainOverride pairs a chainless boundary (AWS KMS) with a certificate
// chain loaded from disk.
type chainOverride struct {
	kms.Service
	chain []*x509.Certificate
}

func (c *chainOverride) CertificateChain(ctx context.Context, keyID string) ([]*x509.Certificate, error) {
	return c.chain, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
