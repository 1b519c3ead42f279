package http

import "errors"

var errNoConnection = errors.New("database connection unavailable")
