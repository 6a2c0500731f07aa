// Package registration turns a verified identity's leaf commitment into a
// stored district tree registration. Registration is idempotent per user: the
// first call inserts the leaf with the Shadow Atlas operator, later calls
// return the stored record without contacting the operator again.
package registration
