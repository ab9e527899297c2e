// Package logging configures logrus for the avdug binaries.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Formatter renders entries as "time|LEVL|MODULE|message - k=v ...".
type Formatter struct {
	Module string
}

func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := &bytes.Buffer{}
	fmt.Fprintf(b, "%-23s", entry.Time.Format("2006-01-02T15:04:05.999"))
	fmt.Fprintf(b, "|%s|%s|", strings.ToUpper(entry.Level.String())[0:4], f.Module)
	b.WriteString(entry.Message)
	if len(keys) > 0 {
		b.WriteString(" - ")
		for i, key := range keys {
			b.WriteString(key)
			b.WriteByte('=')
			fmt.Fprintf(b, "%+v", entry.Data[key])
			if i < len(keys)-1 {
				b.WriteByte(' ')
			}
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// Setup points the standard logger at stderr with the module formatter.
func Setup(module string, verbose bool) {
	SetupTo(os.Stderr, module, verbose)
}

// SetupTo is Setup with an explicit destination.
func SetupTo(w io.Writer, module string, verbose bool) {
	log.SetOutput(w)
	log.SetFormatter(&Formatter{Module: module})
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
