package engine

import (
	"strings"

	"github.com/mochi-hpc/thallium-go/errs"
)

// splitURI splits a thallium address URI ("tcp://host:port") into the
// network and host:port components transport.Dial expects (spec
// section 6: "protocol[+variant]://host:port").
func splitURI(uri string) (network, hostport string, err error) {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return "", "", errs.ConfigInvalid("address", "malformed URI: "+uri)
	}
	return uri[:idx], uri[idx+3:], nil
}
