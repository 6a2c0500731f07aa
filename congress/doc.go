// Package congress contains the outbound clients for legislative delivery:
// resolving a constituent address to its congressional recipients, and
// submitting a structured message to each recipient's delivery endpoint.
package congress
