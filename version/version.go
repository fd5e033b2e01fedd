package version

// Version is the current release of the aegis server & CLI.
const Version = "0.1.0"
