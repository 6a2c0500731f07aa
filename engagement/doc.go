// Package engagement proxies the auxiliary proof services consumed by
// client-side proof generation: the engagement tree (participation tier) and
// the cell-to-district mapping tree.
//
// Engagement data is best-effort. Any upstream failure degrades to a
// deterministic tier-0 default so proof generation always receives a
// structurally valid input; the primary registration flow is never blocked by
// engagement state. Cell proof failures collapse to a single generic error so
// callers cannot enumerate valid geographic cells through error or timing
// oracles.
package engagement
