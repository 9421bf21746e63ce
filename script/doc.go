// Copyright 2024 The testscript Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package script implements the script language used by testspec tests.

A script is executed line by line by an [Engine] against a [State], which
holds the sandboxed work directory, the environment, the output of the last
command and the transcript of the run.

# Syntax

Each line has the form

	[!|?] [cond]... command args... [&]

A line starting with # is a section comment and is copied to the log. A #
anywhere else outside of quotes starts an inline comment. Arguments are
separated by spaces and tabs; text inside single quotes is taken literally
and a doubled quote inside quotes stands for one quote:

	echo 'it''s a single argument'

Unquoted text is subject to variable expansion: $NAME and ${NAME} are
replaced by the variable value, or nothing if it is unset. ${/} and ${:}
expand to the path and path list separators. In arguments interpreted as
regular expressions the substituted values are quoted.

# Markers

A leading ! means the command must fail, a leading ? means it may fail.
Markers only apply to command failures: syntax errors, unknown commands or
conditions, bad usage and sandbox violations always fail the script.

A [cond] guard runs the line only when cond holds, [!cond] only when it does
not. Prefix conditions take a suffix, as in [GOOS:linux] or [exec:git].

# Background

A trailing & starts an asynchronous command, such as exec or sleep, in the
background. The wait command blocks until every background command
completes, in the order they were started, and concatenates their output.
Background commands still running when the state is closed are abandoned
by default, or killed when the state uses [KillBackground].

# Paths

Every path given to a built-in command must resolve, once symbolic links
are followed, inside the work directory; anything else is reported as a
[SandboxError]. Programs started by exec are not sandboxed.
*/
package script
