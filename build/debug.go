package build

// DEBUG enables extra sanity checks throughout the codebase. Invariant
// violations panic instead of logging, which surfaces corruption during
// development and testing instead of letting it propagate to disk.
const DEBUG = true
