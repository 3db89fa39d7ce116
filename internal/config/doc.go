// Package config provides configuration management for ezserve.
//
// Two kinds of YAML documents live here: the tool configuration, which is
// layered, and stack definitions, which describe a single run.
//
// # Configuration Layers
//
// Configuration is loaded and merged in the following order, later layers
// overriding earlier ones:
//
//  1. Default Configuration (embedded in binary)
//  2. User Configuration (~/.config/ezserve/config.yaml)
//  3. Project Configuration (./.ezserve/config.yaml)
//
// An explicit --config path replaces layers 2 and 3.
//
//	ssh:
//	  binary: ssh
//	  options: ["-o", "BatchMode=yes"]
//	  remoteCommand: /usr/local/bin/ezserve
//	  handshakeTimeout: 10s
//	  forwardRetries: 5
//	services:
//	  maxBindTries: 10
//	logging:
//	  level: info
//	interactive: false
//
// # Stack Definitions
//
// A stack file names the services to spawn and the consumers to start:
//
//	table: /tmp/demo-services.yaml
//	services:
//	  - name: echo
//	    handler: echo
//	  - name: greeter
//	    proto: tcp
//	    handler: greeter
//	    bindHost: 0.0.0.0
//	    args: ["hello from greeter"]
//	children:
//	  - handler: greet-client
//	    services: [greeter]
//	local:
//	  - handler: ping
//	    services: [echo]
//	remotes:
//	  - host: build-box
//	    task: greet
//	    services: [greeter]
//	    tunnel: true
package config
