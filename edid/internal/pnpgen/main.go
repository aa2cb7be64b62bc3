// Command pnpgen turns the hwdata pnp.ids database into a Go lookup table.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"go/format"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"text/template"
)

var tmpl = template.Must(template.New("table").Parse(`// Code generated by pnpgen from {{.Source}}; DO NOT EDIT.

package edid

var pnpIDs = map[string]string{
{{- range .Entries}}
	{{printf "%q" .Code}}: {{printf "%q" .Name}},
{{- end}}
}
`))

type entry struct {
	Code, Name string
}

func main() {
	in := flag.String("in", "/usr/share/hwdata/pnp.ids", "pnp.ids database")
	out := flag.String("out", "pnp_table.go", "output file")
	flag.Parse()

	f, err := os.Open(*in)
	if err != nil {
		log.Fatalf("open %s: %v", *in, err)
	}
	defer f.Close()

	src, err := generate(*in, f)
	if err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(*out, src, 0o644); err != nil {
		log.Fatal(err)
	}
}

// generate renders the table for the database in r. source ends up in the
// header comment.
func generate(source string, r io.Reader) ([]byte, error) {
	entries, err := parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct {
		Source  string
		Entries []entry
	}{source, entries}); err != nil {
		return nil, err
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}
	return src, nil
}

func parse(r io.Reader) ([]entry, error) {
	seen := make(map[string]bool)
	var entries []entry

	s := bufio.NewScanner(r)
	for line := 1; s.Scan(); line++ {
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		code, name, ok := strings.Cut(text, "\t")
		if !ok || len(code) != 3 {
			return nil, fmt.Errorf("line %d: malformed entry %q", line, text)
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		entries = append(entries, entry{Code: code, Name: strings.TrimSpace(name)})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Code < entries[j].Code })
	return entries, nil
}
