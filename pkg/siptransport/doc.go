// Package siptransport реализует сигнальный транспортный слой софтфона
// поверх библиотеки sipgo.
//
// Пакет воплощает контракт softphone.Transport: регистрация на сервере,
// установление и завершение ног вызова, удержание через re-INVITE,
// перевод ноги в конференц-комнату через REFER с подтверждением по
// NOTIFY (message/sipfrag). SDP offer/answer строится через pion/sdp
// для единственного аудио потока G.711 PCMU.
//
// Непрозрачный softphone.TransportHandle этого транспорта - указатель
// на внутреннюю структуру leg (SIP диалог).
package siptransport
