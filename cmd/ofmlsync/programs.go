package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/ofmlsync/internal/ofml/catalog"
	"github.com/steveyegge/ofmlsync/internal/ui"
)

var programsCmd = &cobra.Command{
	Use:         "programs [root]",
	GroupID:     "catalog",
	Short:       "List the active programs of a catalog and their parts",
	Annotations: map[string]string{rootArgAnnotation: "true"},
	Args:        cobra.MaximumNArgs(1),
	Long: `List every active program of the manufacturer profile with its
registry entry and the parts it declares. No data files are read and no
database is needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireCatalog(); err != nil {
			return err
		}

		repo := catalog.NewRepository(cfg.Repository.Root, cfg.Repository.Manufacturer, catalog.Options{
			Region:    cfg.Repository.Region,
			Languages: cfg.Repository.Languages,
			Logger:    logger,
		})
		names, err := repo.ProgramNames()
		if err != nil {
			return err
		}

		tbl := ui.NewTable(os.Stdout, "PROGRAM", "REGISTRY", "PATH", "PARTS")
		for _, name := range names {
			registry, _ := repo.RegistryName(name)
			prog, ok := repo.LoadProgram(name).Get()
			if !ok {
				tbl.AddRow(name, registry, "", ui.RenderFail("unavailable"))
				continue
			}
			var parts []string
			for _, k := range prog.DeclaredKinds() {
				parts = append(parts, k.String())
			}
			tbl.AddRow(name, registry, prog.RelPath(), strings.Join(parts, " "))
		}
		tbl.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(programsCmd)
}
