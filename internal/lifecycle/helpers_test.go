package lifecycle

import logx "jobloop/pkg/logx"

var noLog = logx.Nop()
