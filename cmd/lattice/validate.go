package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aretw0/lattice/internal/validator"
	"github.com/aretw0/lattice/pkg/adapters/file"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path...]",
	Short: "Check workflow definitions for consistency",
	Long: `Reads definition files (or every definition under the given directories) and reports
unknown dependencies, duplicate nodes and cycles. Defaults to the definitions directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			args = []string{cfg.DefinitionsDir}
		}
		failed, err := runValidate(cmd, args)
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("validation failed for %d definition(s)", failed)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "All definitions are valid! ✅")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// runValidate validates every definition file reachable from paths and returns how many failed.
func runValidate(cmd *cobra.Command, paths []string) (int, error) {
	var files []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return 0, err
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isDefinitionFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	if len(files) == 0 {
		return 0, errors.New("no definition files found")
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range files {
		def, err := file.ReadDefinition(path)
		if err == nil {
			err = validator.ValidateDefinition(def)
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "❌ %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "✅ %s (%s, %d nodes)\n", path, def.ID, len(def.Nodes))
	}
	return failed, nil
}
