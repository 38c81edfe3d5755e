/*
Package config holds the configuration file definitions.

Mailsync uses a single config file, mailsync.conf. It is read at startup, after
changes mailsync must be restarted for them to take effect.

Below is an "empty" config file, generated from the config file definitions in
the source code, along with comments explaining the fields. Fields named "x" are
placeholders for user-chosen map keys.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# mailsync.conf

	# NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be
	# on their own line, they don't end a line. Do not escape or quote strings.
	# Details: https://pkg.go.dev/github.com/mjl-/sconf.


	# Directory where all data is stored, the per-account databases with message
	# summaries, cached message parts and scheduled alarms. If this is a relative
	# path, it is relative to the directory of mailsync.conf.
	DataDir:

	# Default log level, one of: error, info, debug, trace, traceauth, tracedata.
	# Trace logs IMAP protocol transcripts, with traceauth also messages with
	# passwords, and tracedata on top of that also the full data exchanges (message
	# parts), which can be a large amount of data.
	LogLevel:

	# Overrides of log level per package (e.g. imapclient, session, syncsession,
	# store, alarm, webctl). (optional)
	PackageLogLevels:
		x:

	# Address to serve prometheus metrics on at /metrics, e.g. localhost:8010. Not
	# served if empty. (optional)
	MetricsListen:

	# Address to serve the control API on at /ctl/, e.g. localhost:8011. Not served
	# if empty. The API has no authentication, only listen on a loopback address.
	# (optional)
	CtlListen:

	# Accounts to keep synchronized. The key is the account name, used for the data
	# directory and in the control API.
	Accounts:
		x:

			# Hostname of the IMAP server. Internationalized domain names are converted to
			# ASCII.
			Host:

			# TCP port. Default 993 for TLS immediate, 143 otherwise. (optional)
			Port: 0

			# How to protect the connection: immediate (TLS from the start, the default),
			# starttls (upgrade a plain connection, required), or none (plain text, only for
			# testing). (optional)
			TLS:

			# Do not verify the TLS certificate of the server. Only for testing. (optional)
			TLSSkipVerify: false

			# Username to authenticate with.
			Username:

			# Password to authenticate with.
			Password:

			# Authentication mechanism to use: scram-sha-256-plus, scram-sha-256,
			# scram-sha-1-plus, scram-sha-1, plain or login. Default: the most secure
			# mechanism the server supports. (optional)
			AuthMechanism:

			# Folders to synchronize. Default all selectable folders. Inbox is always
			# synchronized. (optional)
			Folders:
				-

			# Only synchronize messages received in this number of days. Default 30. Use -1
			# for all messages. (optional)
			SyncWindowDays: 0

			# Number of messages to compare and fetch headers for in one batch. Default 100.
			# (optional)
			HeaderBatchSize: 0

			# Maximum number of messages kept locally per folder, older messages are removed
			# locally. Default 5000. (optional)
			MaxMessagesPerFolder: 0

			# Maximum size in bytes of a message part that is fetched into the local cache.
			# Default 50MB. (optional)
			MaxPartSize: 0

			# Enable COMPRESS=DEFLATE if the server supports it. (optional)
			Compress: false

			# Keep a connection open and wait for changes with IDLE, instead of only
			# synchronizing at the sync interval. Failed connections are retried with
			# backoff. (optional)
			Push: false

			# Interval between scheduled synchronizations. Default 15m. (optional)
			SyncInterval: 0s

			# Network timeouts. (optional)
			Timeouts:

				# For the TCP connection and TLS handshake. Default 30s. (optional)
				Connect: 0s

				# Maximum time without data from the server while a command is pending. Default
				# 60s. (optional)
				Inactivity: 0s

				# For the login and select phases. Default 30s. (optional)
				Command: 0s

				# IDLE is ended and restarted after this interval to keep the connection alive.
				# Without IDLE, a NOOP is sent after this interval. Default 28m, servers must not
				# end IDLE before 29 minutes. (optional)
				KeepAlive: 0s

				# If set, caps the keepalive interval, for servers that end IDLE early.
				# (optional)
				IdleKeepAliveCap: 0s

			# Backoff for reconnecting after a network failure. (optional)
			Retry:

				# Delay before the first retry. Default 15s. (optional)
				Initial: 0s

				# Delay before the second retry. Default 1m. (optional)
				Second: 0s

				# Multiplier for subsequent retries. Default 2. (optional)
				Factor: 0.000000

				# Maximum delay between retries. Default 30m. (optional)
				Max: 0s

			# Resolve the server hostname through this DNS server (ip:port) before
			# connecting, instead of the system resolver. A resolution failure is treated as
			# absence of network. (optional)
			DNSResolver:
*/
package config

// NOTE: The example config above is the output of "mailsync config describe".
