package pnp

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
)

// SetCaption replaces the CAP line of the record at path with text. All
// other lines are kept byte for byte. A record without a CAP line gets one
// after its leading comment block.
func SetCaption(path, text string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out := recaption(raw, sanitize(text))
	return writeAtomic(path, info.Mode().Perm(), func(w io.Writer) error {
		_, err := w.Write(out)
		return err
	})
}

func recaption(raw []byte, text string) []byte {
	lines := bytes.SplitAfter(raw, []byte("\n"))
	eol := "\n"
	if bytes.HasSuffix(lines[0], []byte("\r\n")) {
		eol = "\r\n"
	}

	for i, l := range lines {
		body := strings.TrimSpace(string(l))
		if strings.HasPrefix(body, ";") || len(body) < 3 || !strings.EqualFold(body[:3], "CAP") {
			continue
		}
		ending := l[len(bytes.TrimRight(l, "\r\n")):]
		lines[i] = append([]byte("CAP "+text), ending...)
		return bytes.Join(lines, nil)
	}

	// No CAP line: insert one after the last line of the leading comment
	// block.
	at := 0
	for i, l := range lines {
		body := strings.TrimSpace(string(l))
		if body != "" && !strings.HasPrefix(body, ";") {
			break
		}
		if body != "" {
			at = i + 1
		}
	}
	if at > 0 && !bytes.HasSuffix(lines[at-1], []byte("\n")) {
		lines[at-1] = append(lines[at-1], eol...)
	}
	out := make([][]byte, 0, len(lines)+1)
	out = append(out, lines[:at]...)
	out = append(out, []byte("CAP "+text+eol))
	out = append(out, lines[at:]...)
	return bytes.Join(out, nil)
}

// writeAtomic writes a file through a temporary sibling and renames it into
// place.
func writeAtomic(path string, perm os.FileMode, fn func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.Remove(tmp.Name()))
		}
	}()
	if err = fn(tmp); err != nil {
		return multierr.Append(err, tmp.Close())
	}
	if err = tmp.Sync(); err != nil {
		return multierr.Append(err, tmp.Close())
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
