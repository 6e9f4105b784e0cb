// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import "fmt"

type ErrInconsistentRequestParameters struct {
	reason string
}

func (err ErrInconsistentRequestParameters) Error() string {
	return fmt.Sprintf("inconsistent request parameters: %s", err.reason)
}
