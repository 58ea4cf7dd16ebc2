package sessioncluster

// Version is the current version of the sessioncluster library.
const Version = "v0.3.0"
