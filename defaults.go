package buildcache

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// maxBuildAttempts bounds GetOrBuild. The second attempt only happens after a
// resource-exhaustion reset.
const maxBuildAttempts = 2
