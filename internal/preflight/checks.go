package preflight

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/peterje/popper/internal/locator"
	"github.com/peterje/popper/internal/models"
)

// Resolver is satisfied by *locator.Locator.
type Resolver interface {
	Resolve(program string) (string, error)
}

// CheckSidecar reports whether program resolves and prints a one-line
// summary to out. A missing sidecar is only a warning: every Start will
// fail with its own diagnostic until it is installed.
func CheckSidecar(out io.Writer, r Resolver, program string) models.SidecarStatus {
	status := checkSidecar(r, program)
	if status.Found {
		fmt.Fprintf(out, "✓ %s found (%s)\n", status.Name, status.Path)
	} else {
		fmt.Fprintf(out, "⚠ %s sidecar not found. Tried: %s\n", status.Name, strings.Join(status.Tried, ", "))
	}
	return status
}

func checkSidecar(r Resolver, program string) models.SidecarStatus {
	path, err := r.Resolve(program)
	if err == nil {
		return models.SidecarStatus{Name: program, Found: true, Path: path}
	}
	status := models.SidecarStatus{Name: program}
	var nf *locator.NotFoundError
	if errors.As(err, &nf) {
		status.Tried = nf.Tried
	}
	return status
}
