// Package middleware は通知APIで使用するGin共通ミドルウェアを提供する。
//
// JWT認証トークンの検証とパニックリカバリを含む。通知は宛先ユーザー
// 本人にしか見せないため、すべての通知APIはJWT認証を前提とする。
package middleware
