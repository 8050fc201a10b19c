package device

import "errors"

// ErrCallbackRegistration is returned by NewFacade when the driver rejects
// one of the callback registrations.
var ErrCallbackRegistration = errors.New("device: callback registration failed")
