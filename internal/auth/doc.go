// Package auth obtains the device and user tokens a measurement run needs.
//
// Bootstrap registers the device with the license key, logs the user in and
// creates the user when the login reports an unknown email. Tokens are cached
// in a credentials.Store after every step, so an interrupted bootstrap resumes
// where it stopped on the next run.
package auth
