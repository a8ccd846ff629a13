package main

import (
	"fmt"
	"io"
	"os"

	"evidenceledger/internal/infra/crypto"
)

// writeOutput prints v as canonical JSON to out, or to path when set.
func writeOutput(out io.Writer, path string, v any) error {
	payload, err := crypto.Canonicalize(v)
	if err != nil {
		return err
	}
	if path == "" {
		if _, err := out.Write(payload); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out)
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}
