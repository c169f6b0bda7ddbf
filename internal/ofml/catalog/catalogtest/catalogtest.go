// Package catalogtest builds small on-disk OFML catalogs for tests.
package catalogtest

import (
	"os"
	"path/filepath"
	"testing"
)

// Manufacturer is the manufacturer id used by the fixtures.
const Manufacturer = "kn"

// Files writes each path -> content pair below root, creating directories
// as needed. Paths use forward slashes.
func Files(t testing.TB, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

// Demo is a catalog with two active programs:
//
//   - demo: an ocd part with one two-column table (ocd_article.csv)
//   - talos: go and oas parts, plus an ocd part with a price table
//
// and one inactive program (off).
var Demo = map[string]string{
	"profiles/kn.cfg": "# kn profile\n[lib:kn]\ndemo_1_kn_de=1\nkn_talos_de_1=1\nkn_off_de_1=0\n",

	"registry/demo.cfg":          "program=demo\nproductdb_path=demo/db\n",
	"demo/db/pdata.inp_descr":    "table 1 ocd_article.csv\nfield 1 ArticleID string\nfield 2 ShortText string\n",
	"demo/db/ocd_article.csv":    "A1;Chair\nA2;Desk\n",
	"registry/kn_talos_de_1.cfg": "program=talos\nproductdb_path=kn\\talos\\DE\\2\\db\nseries_type=std\nmeta_type=mt\ntype=cat\ncat_type=XCF\n",

	"kn/talos/DE/2/db/pdata.inp_descr": "table 1 ocd_article.csv\nfield 1 ArticleID string\nfield 2 ShortText string\n" +
		"table 2 ocd_price.csv\nfield 1 ArticleID string\nfield 2 Price float\n",
	"kn/talos/DE/2/db/ocd_article.csv": "T1;Table\nT2;Bench\nT3;Shelf\n",
	"kn/talos/DE/2/db/ocd_price.csv":   "T1;100.5\nT2;80\n",

	"kn/talos/2/mt.inp_descr": "table 1 mt_props.csv\nfield 1 Prop string\nfield 2 Pos int\n",
	"kn/talos/2/mt_props.csv": "Width;1\nHeight;2\n",
	"kn/talos/2/talos_de.sr":  "T1=Tisch\nT2=Bank\n",
	"kn/talos/2/talos_en.sr":  "T1=Table\n",

	"kn/talos/DE/2/cat/article.csv": "T1;A;;;;;talos\n",
	"kn/talos/DE/2/cat/text.csv":    "T1;A;de;Tisch\n",
}

// WriteDemo writes Demo below a fresh temp dir and returns the root.
func WriteDemo(t testing.TB) string {
	t.Helper()
	root := t.TempDir()
	Files(t, root, Demo)
	return root
}
