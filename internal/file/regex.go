package file

import "regexp"

// regexp for parsing a comment line
// if the first non-whitespace char on a line is # then it is ignored
// the first capture group is the rest of the line starting at the first
// non-whitespace character after the initial #
// lines starting with #, ##, ### etc are treated the same
// a + or - post fix indicates whether to echo the comment to the local output
// + for echo, - for do not echo. No + or - is considered a -, i.e. do not echo
const m = "^\\s*\\#+([+-]*)\\s*(.*)"

var mre = regexp.MustCompile(m)

// regexp for parsing a delay
/* note you can include a 's' after the delay value for readability
e.g. these will pass the regexp
[ 0.3s ] alerts {"a":1}
[0.3] alerts high {"a":1}
[ 1h5.3m0.5s ] alerts {"a":1}
[] alerts {"a":1}
[1s]
*/
const d = "^\\s*\\[\\s*([a-zA-Z0-9.]*)\\s*]\\s*(.*)"

var dre = regexp.MustCompile(d)

// regexp for splitting a send into channel, optional priority, and message
const s = "^\\s*(\\S+)\\s+(?:(high|normal|low|HIGH|NORMAL|LOW)\\s+)?(.+?)\\s*$"

var sre = regexp.MustCompile(s)
