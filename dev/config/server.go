package config

const SERVER_YML = `
aegis:
  cron:
    timeZone: "America/Toronto"
  listener:
    port: 3000
  sos:
    countdownSeconds: 5
    locationIntervalSeconds: 5
    notificationWindowSeconds: 120

sqlite:
  passPhrase: passphrase

google:
  storage:
    bucket: "aegis"
    prefix: "aegis-dev"
    sqliteBackupSchedule: "*/30 * * * *"
    enableSqliteBackupAndSync: false
  applicationCredentials:

twilio:
  accountSid:
  authToken:
  messagingServiceSid:
`
