package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// On disk every key is a directory holding its value in valueFile, its
// overrides as files under overrideDir (protectedOverrideDir for protected
// ones), and its children as subdirectories.
// A child whose name begins with '_' gets one more '_' so it cannot collide
// with those entries.
const (
	valueFile     = "_value"
	protectedFile = "_protected"
	overrideDir   = "_override"

	protectedOverrideDir = "_override_protected"
)

func dirName(key string) string {
	if strings.HasPrefix(key, "_") {
		return "_" + key
	}
	return key
}

func keyName(dir string) (string, bool) {
	if strings.HasPrefix(dir, "__") {
		return dir[1:], true
	}
	if strings.HasPrefix(dir, "_") {
		return "", false
	}
	return dir, true
}

// Export writes d under dir on fs.
func Export(fs billy.Filesystem, dir string, d *Document) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := util.WriteFile(fs, path.Join(dir, valueFile), []byte(d.Value), 0o644); err != nil {
		return err
	}
	if d.Protected {
		if err := util.WriteFile(fs, path.Join(dir, protectedFile), nil, 0o644); err != nil {
			return err
		}
	}
	for user, v := range d.Overrides {
		odir := path.Join(dir, overrideDir)
		if v.Protected {
			odir = path.Join(dir, protectedOverrideDir)
		}
		if err := fs.MkdirAll(odir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", odir, err)
		}
		if err := util.WriteFile(fs, path.Join(odir, user), []byte(v.Value), 0o644); err != nil {
			return err
		}
	}
	for name, c := range d.Children {
		if err := Export(fs, path.Join(dir, dirName(name)), c); err != nil {
			return err
		}
	}
	return nil
}

// Load reads back a directory written by Export.
func Load(fs billy.Filesystem, dir string) (*Document, error) {
	raw, err := util.ReadFile(fs, path.Join(dir, valueFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	d := &Document{Value: string(raw)}
	if _, err := fs.Stat(path.Join(dir, protectedFile)); err == nil {
		d.Protected = true
	}

	for _, odir := range []string{overrideDir, protectedOverrideDir} {
		if err := loadOverrides(fs, path.Join(dir, odir), odir == protectedOverrideDir, d); err != nil {
			return nil, err
		}
	}

	infos, err := fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	for _, fi := range infos {
		if !fi.IsDir() {
			continue
		}
		name, ok := keyName(fi.Name())
		if !ok {
			continue
		}
		c, err := Load(fs, path.Join(dir, fi.Name()))
		if err != nil {
			return nil, err
		}
		if d.Children == nil {
			d.Children = make(map[string]*Document)
		}
		d.Children[name] = c
	}
	return d, nil
}

func loadOverrides(fs billy.Filesystem, odir string, protected bool, d *Document) error {
	infos, err := fs.ReadDir(odir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", odir, err)
	}
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		b, err := util.ReadFile(fs, path.Join(odir, fi.Name()))
		if err != nil {
			return err
		}
		d.setOverride(fi.Name(), Variant{Value: string(b), Protected: protected})
	}
	return nil
}
