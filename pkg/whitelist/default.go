package whitelist

var defaultCatalog = []byte(`
commands:
  hostname:
    template: "hostname"
    description: "Report the client's hostname"
    category: system
    timeout_s: 10
  uptime:
    template: "uptime"
    description: "Show load averages and uptime"
    category: system
    timeout_s: 10
  disk-usage:
    template: "df -h"
    description: "Report filesystem usage"
    category: system
    timeout_s: 15
  memory:
    template: "free -m"
    description: "Report memory usage in megabytes"
    category: system
    timeout_s: 10
  interfaces:
    template: "ip addr show"
    description: "List network interfaces and addresses"
    category: network
    timeout_s: 10
  ping:
    template: "ping -c {count} -W 2 {target}"
    description: "Ping a target host"
    category: network
    timeout_s: 60
    params:
      - name: target
        type: hostname
      - name: count
        type: integer
        min: 1
        max: 20
  ping-ip:
    template: "ping -c {count} -W 2 {target}"
    description: "Ping a target by IP literal"
    category: network
    timeout_s: 60
    params:
      - name: target
        type: ip
      - name: count
        type: integer
        min: 1
        max: 20
  traceroute:
    template: "traceroute -w 2 {target}"
    description: "Trace the route to a host"
    category: network
    timeout_s: 120
    params:
      - name: target
        type: hostname
  route-table:
    template: "ip route show"
    description: "Show the kernel routing table"
    category: network
    timeout_s: 10
  service-status:
    template: "systemctl status {service} --no-pager"
    description: "Show the status of a managed service"
    category: service
    timeout_s: 15
    params:
      - name: service
        type: choice
        choices: [ping-benchmark, ssh, cron, networking]
  read-log:
    template: "tail -n {lines} logs/{file}"
    description: "Read the tail of a log file under the data directory"
    category: diagnostics
    timeout_s: 15
    params:
      - name: file
        type: path
      - name: lines
        type: integer
        min: 1
        max: 1000
`)

// Default returns the compiled-in catalog. Both coordinator and agent
// fall back to it when no catalog file is configured; shipping the
// same catalog on both sides is what lets the agent re-validate
// independently.
func Default() *Registry {
	reg, err := Parse(defaultCatalog)
	if err != nil {
		// The embedded catalog is fixed at build time.
		panic("whitelist: invalid default catalog: " + err.Error())
	}
	return reg
}
