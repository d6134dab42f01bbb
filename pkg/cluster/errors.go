package cluster

import (
    "errors"

    "github.com/amirimatin/go-kvcluster/pkg/topology"
)

var (
    ErrNoClient         = errors.New("cluster: no client available")
    ErrInvalidCommand   = errors.New("cluster: invalid command")
    ErrMissingKey       = errors.New("cluster: batch call requires an explicit key")
    ErrRedirectLoop     = errors.New("cluster: redirected to the same node")
    ErrTooManyRedirects = errors.New("cluster: too many redirects")
    ErrTooManyRetries   = errors.New("cluster: too many retries")
    ErrStopped          = errors.New("cluster: stopped")
    ErrNoSeeds          = errors.New("cluster: no seeds configured")

    ErrEmptyTopology = topology.ErrEmptyTopology
)
