/*
Package httpserver hosts the metadata service and the reference oracle node
behind one chi router.

Each API package contributes its routes through RouteRegistrar. The server
adds request logging, panic recovery, a Prometheus metrics listener and the
usual health endpoints:

	GET /livez    always 200 while the process runs
	GET /readyz   200 when ready, 503 while draining
	GET /drain    stop accepting API traffic
	GET /undrain  resume accepting API traffic

While draining, API routes answer 503 so load balancers move clients to
another replica before Shutdown is called.
*/
package httpserver
