package artifact

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/dbtgen/dbtgen/internal/failure"
)

type Archive struct {
	Name string
	Data []byte
}

// BuildArchive packs the pair into an in-memory zip holding exactly the two
// pair files, in Files order.
func BuildArchive(pair Pair) (Archive, error) {
	data, err := packZip(pair.Files())
	if err != nil {
		return Archive{}, err
	}
	return Archive{Name: pair.Identifier + ".zip", Data: data}, nil
}

// BuildBundle packs several archives, each stored as its own <identifier>.zip
// entry, followed by any extra files. Entry names must be unique.
func BuildBundle(name string, archives []Archive, extra ...File) (Archive, error) {
	files := make([]File, 0, len(archives)+len(extra))
	seen := make(map[string]bool, cap(files))
	for _, archive := range archives {
		files = append(files, File{Name: archive.Name, Content: string(archive.Data)})
	}
	files = append(files, extra...)
	for _, file := range files {
		if seen[file.Name] {
			return Archive{}, failure.Newf(failure.KindStorage, "bundle entry %s appears twice", file.Name)
		}
		seen[file.Name] = true
	}
	data, err := packZip(files)
	if err != nil {
		return Archive{}, err
	}
	return Archive{Name: name, Data: data}, nil
}

func packZip(files []File) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	writer := zip.NewWriter(buf)
	for _, file := range files {
		entry, err := writer.Create(file.Name)
		if err != nil {
			return nil, failure.Wrap(failure.KindStorage, "create archive entry "+file.Name, err)
		}
		if _, err := io.WriteString(entry, file.Content); err != nil {
			return nil, failure.Wrap(failure.KindStorage, "write archive entry "+file.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, failure.Wrap(failure.KindStorage, "finalize archive", err)
	}
	return buf.Bytes(), nil
}

func BuildArchiveFromResponse(response string) (Pair, Archive, error) {
	pair, err := Parse(response)
	if err != nil {
		return Pair{}, Archive{}, err
	}
	archive, err := BuildArchive(pair)
	if err != nil {
		return Pair{}, Archive{}, err
	}
	return pair, archive, nil
}

// WriteDirectory writes the pair under root/<identifier>/, creating the
// directory when absent and overwriting existing files. It returns the
// directory path.
func WriteDirectory(root string, pair Pair) (string, error) {
	if pair.Identifier == "" {
		return "", failure.New(failure.KindMissingIdentifier, "artifact pair has no identifier")
	}
	dir := filepath.Join(root, pair.Identifier)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", failure.Wrap(failure.KindStorage, "create artifact directory", err)
	}
	for _, file := range pair.Files() {
		path := filepath.Join(dir, file.Name)
		if err := os.WriteFile(path, []byte(file.Content), 0o644); err != nil {
			return "", failure.Wrap(failure.KindStorage, fmt.Sprintf("write %s", path), err)
		}
	}
	return dir, nil
}

// WriteDirectoryFromResponse touches the filesystem only after the response
// has parsed.
func WriteDirectoryFromResponse(root, response string) (Pair, string, error) {
	pair, err := Parse(response)
	if err != nil {
		return Pair{}, "", err
	}
	dir, err := WriteDirectory(root, pair)
	if err != nil {
		return Pair{}, "", err
	}
	return pair, dir, nil
}

// MoveToBackup relocates src into backupDir by copying then deleting the
// original. It returns the backup path.
func MoveToBackup(src, backupDir string) (string, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", failure.Wrap(failure.KindStorage, "create backup directory", err)
	}
	dst := filepath.Join(backupDir, filepath.Base(src))
	if err := copyFile(src, dst); err != nil {
		return "", failure.Wrap(failure.KindStorage, "copy input to backup", err)
	}
	if err := os.Remove(src); err != nil {
		return "", failure.Wrap(failure.KindStorage, "remove original input", err)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
