package model

import (
	"fmt"
	"time"
)

type RouteType string

const (
	RouteHTTP   RouteType = "http"
	RouteSOCKS5 RouteType = "socks5"
)

// Route is a network egress intermediary optionally assigned to an identity.
type Route struct {
	ID         string
	Type       RouteType
	Host       string
	Port       int
	Username   *string
	Password   *string
	Active     bool
	Working    bool
	LastTested *time.Time
}

// URL renders the route as scheme://[user:pass@]host:port.
func (r Route) URL() string {
	auth := ""
	if r.Username != nil && r.Password != nil {
		auth = fmt.Sprintf("%s:%s@", *r.Username, *r.Password)
	}
	return fmt.Sprintf("%s://%s%s:%d", r.Type, auth, r.Host, r.Port)
}
