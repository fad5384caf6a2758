package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"medlab-portal/resultaccess/internal/access"
	"medlab-portal/resultaccess/internal/challenge"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <result-id>",
	Short: "Verify with a code read from stdin and save the result PDF",
	Long: `fetch requests a code for the result, reads it from standard input and, once
verified, writes resultat-<reference>.pdf to DOWNLOAD_DIR.

Enter "r" instead of a code to ask for a new one once the resend delay has passed.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	sess, err := access.Start(ctx, newPortalClient(), args[0], sessionOptions())
	defer sess.Close()
	if err != nil {
		return failure(sess, err)
	}
	snap := sess.Snapshot()
	if ref := snap.Reference; ref != nil {
		fmt.Fprintf(out, "Résultat %s", ref.ReferenceCode)
		if name := ref.PatientName(); name != "" {
			fmt.Fprintf(out, " (%s)", name)
		}
		fmt.Fprintln(out)
	}

	if err := sess.RequestCode(ctx); err != nil {
		return failure(sess, err)
	}
	printIssued(out, sess.Snapshot())

	in := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprintf(out, "Code à %d chiffres : ", sess.CodeLength())
		if !in.Scan() {
			if err := in.Err(); err != nil {
				return err
			}
			return errors.New("no code entered")
		}
		line := strings.TrimSpace(in.Text())

		if strings.EqualFold(line, "r") {
			err := sess.ResendCode(ctx)
			switch {
			case err == nil:
				printIssued(out, sess.Snapshot())
			case errors.Is(err, challenge.ErrResendCooldown):
				fmt.Fprintf(out, "Veuillez patienter %ds avant de redemander un code.\n", sess.Snapshot().SecondsUntilResendAllowed)
			case challenge.KindOf(err).Retryable():
				fmt.Fprintln(out, sess.Snapshot().LastErrorMessage)
			default:
				return failure(sess, err)
			}
			continue
		}

		err := sess.SubmitCode(ctx, line)
		if err == nil {
			break
		}
		switch {
		case errors.Is(err, challenge.ErrMalformedCode):
			fmt.Fprintf(out, "Le code doit comporter %d chiffres.\n", sess.CodeLength())
		case challenge.KindOf(err) == challenge.KindVerificationRejected, challenge.KindOf(err).Retryable():
			fmt.Fprintln(out, sess.Snapshot().LastErrorMessage)
		default:
			return failure(sess, err)
		}
	}

	fmt.Fprintln(out, "Identité vérifiée.")
	path, err := sess.DownloadPDF(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Résultat enregistré :", path)
	return nil
}

func printIssued(out io.Writer, s challenge.Snapshot) {
	if s.MaskedContact != "" {
		fmt.Fprintln(out, "Code envoyé au", s.MaskedContact)
	}
	if s.TestMode {
		fmt.Fprintln(out, "Mode test : le code figure dans les journaux du serveur.")
	}
}

// failure turns a classified error into the user-facing message the session published.
func failure(sess *access.Session, err error) error {
	if challenge.KindOf(err) != challenge.KindNone {
		msg := sess.Snapshot().LastErrorMessage
		// Structural outcomes point the patient to the lab, once.
		if challenge.KindOf(err).Structural() && !strings.Contains(msg, "laboratoire") {
			msg += " Contactez directement le laboratoire pour obtenir votre résultat."
		}
		return errors.New(msg)
	}
	return err
}
