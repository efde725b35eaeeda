// Package enclaveapi serves an enclave over HTTP.
//
// Handler carries the public processing endpoints. AdminHandler carries the two-phase key
// bootstrap and secret provisioning and is meant for a listener bound to 127.0.0.1, the
// host-local channel the relay drives.
package enclaveapi
