// Package serviceresolver discovers key server endpoints through DNS SRV records.
//
// Each key server of a committee is published as an SRV answer whose target's first label
// is the node id, for example
//
//	_keyserver._tcp.medvault.example. 60 IN SRV 10 1 8081 node-1.keys.medvault.example.
//
// Resolver.ResolveCommittee fills in the committee's node URLs from those answers. The
// allow-list itself (node ids and signing keys) never comes from DNS.
package serviceresolver
