package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/thoreinstein/partbak/internal/device"
	"github.com/thoreinstein/partbak/internal/errors"
)

// passphraseEnv overrides the interactive passphrase prompt, for
// unattended runs.
const passphraseEnv = "PARTBAK_PASSPHRASE"

// readPassphrase obtains the transform passphrase: from the environment
// if set, otherwise by prompting on the terminal without echo. When
// confirm is true the passphrase is asked twice and must match.
func readPassphrase(cmd *cobra.Command, confirm bool) (string, error) {
	if pw, ok := os.LookupEnv(passphraseEnv); ok {
		if pw == "" {
			return "", errors.NewUserError(nil, passphraseEnv+" is set but empty")
		}
		return pw, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		// Piped stdin: read one line.
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return "", errors.NewUserError(err,
				"Provide a passphrase on stdin or set "+passphraseEnv)
		}
		pw := strings.TrimRight(line, "\r\n")
		if pw == "" {
			return "", errors.NewUserError(nil, "passphrase must not be empty")
		}
		return pw, nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Passphrase: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", errors.Wrap(err, "reading passphrase")
	}
	if len(pw) == 0 {
		return "", errors.NewUserError(nil, "passphrase must not be empty")
	}

	if confirm {
		fmt.Fprint(cmd.ErrOrStderr(), "Confirm passphrase: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", errors.Wrap(err, "reading passphrase confirmation")
		}
		if string(pw) != string(again) {
			return "", errors.NewUserError(nil, "passphrases do not match")
		}
	}

	return string(pw), nil
}

// resolveStream maps a stream identifier to a concrete path, treating
// it as a filesystem UUID when asUUID is set.
func resolveStream(identifier string, asUUID bool) (string, error) {
	if !asUUID {
		return identifier, nil
	}
	path, err := device.Resolve(identifier, true)
	if err != nil {
		return "", errors.NewUserError(err,
			"Check the UUID with blkid (Linux) or diskutil info (macOS)")
	}
	return path, nil
}
