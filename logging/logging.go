// Package logging wraps the standard library's log.Logger exactly the
// way the teacher's server and middleware packages call log.Printf /
// log.Println directly at call sites, rather than reaching for a
// structured logging library the pack never uses.
package logging

import (
	"log"
	"os"
)

// Logger is the package-level logger every thallium package writes
// through, mirroring the teacher's direct use of the "log" package.
var Logger = log.New(os.Stderr, "thallium: ", log.LstdFlags)
