/*
Package httpserver runs the chi router shared by every medvault binary.

A Server mounts the routes of each api.RouteRegistrar it is given, next to:

  - GET /livez: always 200 while the process runs
  - GET /readyz: 200 until the server is drained, then 503
  - GET /drain, GET /undrain: toggle readiness for load balancer rotation
  - /debug/pprof when EnablePprof is set

Requests are logged through the flashbots httplogger slog middleware. Prometheus metrics
are served on a separate listener when MetricsAddr is set.

	srv, err := httpserver.New(cfg, downloadHandler, registryHandler)
	if err != nil {
		return err
	}
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
