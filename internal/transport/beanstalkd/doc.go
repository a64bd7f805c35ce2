// Package beanstalkd implements transport.Connection on a beanstalkd tube.
//
// DSN: beanstalkd://host[:port][?tube_name=jobs&timeout=5&ttr=120&bury_on_reject=1]
//
// Jobs are stored as {"body": ..., "headers": {...}}. Rejected jobs are
// deleted unless bury_on_reject is set, in which case they are buried at the
// given priority so an operator can kick them later.
package beanstalkd
