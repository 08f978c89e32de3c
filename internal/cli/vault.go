package cli

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/vault"
)

func (c *CLI) newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the credential vault",
		Long: `Generate vault keys and encrypt or decrypt credentials.

The key is read from vault.key in the config file or from the
DBTESTER_VAULT_KEY environment variable.

Commands:
  keygen   - Print a new random key
  encrypt  - Encrypt a value for a fixture file
  decrypt  - Decrypt a stored value`,
	}

	cmd.AddCommand(c.newVaultKeygenCmd())
	cmd.AddCommand(c.newVaultCipherCmd(true))
	cmd.AddCommand(c.newVaultCipherCmd(false))

	return cmd
}

func (c *CLI) newVaultKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new random vault key",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.outputJSON(map[string]string{"key": key})
			}
			c.println(key)
			return nil
		},
	}
}

// newVaultCipherCmd builds encrypt or decrypt. Without an argument the value
// is read from standard input so secrets stay out of shell history.
func (c *CLI) newVaultCipherCmd(encrypt bool) *cobra.Command {
	use, short := "decrypt [value]", "Decrypt a stored value"
	if encrypt {
		use, short = "encrypt [value]", "Encrypt a value"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := argOrStdin(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			v, err := c.cfg.NewVault()
			if err != nil {
				return err
			}

			var out string
			if encrypt {
				out, err = v.Encrypt(value)
			} else {
				out, err = v.Decrypt(value)
			}
			if err != nil {
				return err
			}

			if c.jsonOutput {
				return c.outputJSON(map[string]string{"value": out})
			}
			c.println(out)
			return nil
		},
	}
}

func argOrStdin(args []string, in io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if f, ok := in.(*os.File); ok {
		if st, err := f.Stat(); err == nil && st.Mode()&os.ModeCharDevice != 0 {
			return "", errors.NewValidation("value", "pass a value or pipe it on standard input")
		}
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.NewValidation("value", "empty input")
	}
	return line, nil
}
