package rulepack

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed packs/*.yaml
var embeddedPacks embed.FS

// LoadEmbedded registers the rulepacks shipped with the binary, currently
// the GDPR Article 28(3) pack.
func LoadEmbedded(r *Registry) error {
	return fs.WalkDir(embeddedPacks, "packs", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := embeddedPacks.ReadFile(path)
		if err != nil {
			return fmt.Errorf("embedded pack %s: %w", path, err)
		}
		rp, err := Parse(data)
		if err != nil {
			return fmt.Errorf("embedded pack %s: %w", path, err)
		}
		r.Add(rp)
		return nil
	})
}
