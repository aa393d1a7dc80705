package killswitch

import "errors"

// ErrBadSignature is returned when a flag update's signature does not
// verify against the configured master public key.
var ErrBadSignature = errors.New("killswitch: bad signature")
