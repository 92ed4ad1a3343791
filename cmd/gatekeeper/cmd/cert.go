package cmd

import (
	"context"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/internal/config"
	"github.com/jmcleod/gatekeeper/pki"
)

var (
	certOut           string
	certOrganization  []string
	certValidityYears int
	certValidityDays  int
	certEmail         []string
	certReason        int
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Client certificate authority",
	Long: `Commands for running the built-in client certificate authority. Certificates
issued here carry the user's common name; write the CA certificate to the file
named by tls.client_ca so client-auth listeners trust them.`,
}

var certInitCmd = &cobra.Command{
	Use:   "init-ca <common-name>",
	Short: "Create the certificate authority",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuthority(cmd, func(ctx context.Context, ca *pki.Authority) error {
			subject := pkix.Name{CommonName: args[0], Organization: certOrganization}
			if err := ca.InitCA(ctx, subject, certValidityYears); err != nil {
				return err
			}
			caPEM, err := ca.CACertificatePEM(ctx)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), certOut, []byte(caPEM), 0o644)
		})
	},
}

var certCACmd = &cobra.Command{
	Use:   "ca",
	Short: "Print the CA certificate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuthority(cmd, func(ctx context.Context, ca *pki.Authority) error {
			caPEM, err := ca.CACertificatePEM(ctx)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), certOut, []byte(caPEM), 0o644)
		})
	},
}

var certIssueCmd = &cobra.Command{
	Use:   "issue <common-name>",
	Short: "Issue a client certificate",
	Long: `Issue a client certificate for the given common name. The certificate and its
private key are written to <out>/<common-name>.crt and <out>/<common-name>.key.
The private key is not kept by the authority.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if certOut == "" {
			return fmt.Errorf("--out directory is required")
		}
		return withAuthority(cmd, func(ctx context.Context, ca *pki.Authority) error {
			issued, err := ca.IssueClientCertificate(ctx, pki.IssueCertRequest{
				CommonName:     args[0],
				Organization:   certOrganization,
				ValidityDays:   certValidityDays,
				EmailAddresses: certEmail,
			})
			if err != nil {
				return err
			}
			if err := os.MkdirAll(certOut, 0o700); err != nil {
				return fmt.Errorf("creating output directory: %w", err)
			}
			base := filepath.Join(certOut, filepath.Base(args[0]))
			if err := os.WriteFile(base+".crt", []byte(issued.CertificatePEM), 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(base+".key", []byte(issued.PrivateKeyPEM), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "issued certificate %s for %s (expires %s)\n",
				issued.SerialNumber, args[0], issued.NotAfter.Format(time.RFC3339))
			return nil
		})
	},
}

var certRevokeCmd = &cobra.Command{
	Use:   "revoke <serial>",
	Short: "Revoke a client certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuthority(cmd, func(ctx context.Context, ca *pki.Authority) error {
			if err := ca.RevokeCertificate(ctx, args[0], certReason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked certificate %s\n", args[0])
			return nil
		})
	},
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued certificates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuthority(cmd, func(ctx context.Context, ca *pki.Authority) error {
			issued, err := ca.Issued(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERIAL\tCOMMON NAME\tEXPIRES\tSTATUS")
			for _, e := range issued {
				status := "active"
				if e.Revoked {
					status = "revoked"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.SerialNumber, e.CommonName, e.NotAfter.Format(time.RFC3339), status)
			}
			return tw.Flush()
		})
	},
}

var certCRLCmd = &cobra.Command{
	Use:   "crl",
	Short: "Generate a certificate revocation list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuthority(cmd, func(ctx context.Context, ca *pki.Authority) error {
			crl, err := ca.GenerateCRL(ctx)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), certOut, crl, 0o644)
		})
	},
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certInitCmd, certCACmd, certIssueCmd, certRevokeCmd, certListCmd, certCRLCmd)

	for _, c := range []*cobra.Command{certInitCmd, certCACmd, certCRLCmd} {
		c.Flags().StringVarP(&certOut, "out", "o", "", "Write PEM output to this file instead of stdout")
	}
	certIssueCmd.Flags().StringVarP(&certOut, "out", "o", "", "Directory for the certificate and key")
	for _, c := range []*cobra.Command{certInitCmd, certIssueCmd} {
		c.Flags().StringSliceVar(&certOrganization, "organization", nil, "Subject organization (repeatable)")
	}
	certInitCmd.Flags().IntVar(&certValidityYears, "validity-years", pki.DefaultCAValidityYears, "CA certificate lifetime in years")
	certIssueCmd.Flags().IntVar(&certValidityDays, "validity-days", pki.DefaultClientValidityDays, "Client certificate lifetime in days")
	certIssueCmd.Flags().StringSliceVar(&certEmail, "email", nil, "Email address SAN (repeatable)")
	certRevokeCmd.Flags().IntVar(&certReason, "reason", pki.ReasonUnspecified, "CRL reason code")
}

func withAuthority(cmd *cobra.Command, fn func(ctx context.Context, ca *pki.Authority) error) error {
	return withBackend(cmd, func(ctx context.Context, b *backend, _ *config.Config) error {
		return fn(ctx, b.authority())
	})
}

func writeOutput(stdout io.Writer, path string, data []byte, perm os.FileMode) error {
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	return os.WriteFile(path, data, perm)
}
