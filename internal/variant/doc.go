// Package variant is the catalog of output encodings. A variant is a
// (Format, Profile) pair; Resolve maps every recognized pair to the exact
// codec, container and bitrate parameters the conversion tool receives.
//
// Formats and profiles are closed sets. Parsing an unknown value is always a
// validation error, never a silent default, and no other package defines
// encoding policy.
package variant
