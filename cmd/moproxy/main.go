// Command moproxy is a Linux-native transparent TCP proxy that
// multiplexes connections over a fleet of SOCKSv5/HTTP-CONNECT upstream
// proxies, selecting among them by live-probed score and per-connection
// policy.
package main

func main() {
	Execute()
}
