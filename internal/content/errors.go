package content

import "errors"

var ErrNoSuchItem = errors.New("no such item")
