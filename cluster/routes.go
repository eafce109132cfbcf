package cluster

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Route records which server currently runs a subscription's delivery task.
type Route struct {
	ServerName string
	IsWSX      bool
}

// RouteTable is the lock-free sub_key to owner map every process keeps in
// sync from configuration events and migration completions. Publishers read
// it on the non-GD path for every message, so it must not contend.
type RouteTable struct {
	routes *xsync.MapOf[string, Route]
}

// NewRouteTable creates an empty route table.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: xsync.NewMapOf[string, Route]()}
}

// Set records the owner for a subscription.
func (t *RouteTable) Set(subKey, serverName string, isWSX bool) {
	t.routes.Store(subKey, Route{ServerName: serverName, IsWSX: isWSX})
}

// Get returns the owner for a subscription.
func (t *RouteTable) Get(subKey string) (Route, bool) {
	return t.routes.Load(subKey)
}

// Delete drops the route for a subscription.
func (t *RouteTable) Delete(subKey string) {
	t.routes.Delete(subKey)
}

// Len reports the number of known routes.
func (t *RouteTable) Len() int {
	return t.routes.Size()
}
